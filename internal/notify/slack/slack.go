// Package slack sends correlation notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sift/internal/triage"
)

const (
	maxURLLen   = 300
	maxListLen  = 1500
	httpTimeout = 10 * time.Second
)

// Notifier sends correlation results to a Slack webhook. Only Confirmed and
// Contradicted verdicts at or above the minimum declared severity are sent.
type Notifier struct {
	webhookURL  string
	minSeverity triage.Severity
	client      *http.Client
	logger      log.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithMinSeverity sets the lowest declared severity worth a message.
// Default High.
func WithMinSeverity(s triage.Severity) Option {
	return func(n *Notifier) { n.minSeverity = s }
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	n := &Notifier{
		webhookURL:  webhookURL,
		minSeverity: triage.SeverityHigh,
		client:      &http.Client{Timeout: httpTimeout},
		logger:      logger,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Wants reports whether res would be sent.
func (n *Notifier) Wants(res *triage.CorrelationResult) bool {
	if n.webhookURL == "" || res.Degraded {
		return false
	}
	if res.Verdict != triage.VerdictConfirmed && res.Verdict != triage.VerdictContradicted {
		return false
	}
	return res.DeclaredSeverity >= n.minSeverity
}

// Send posts a correlation result to the configured Slack webhook.
// Results the notifier does not want return nil immediately.
func (n *Notifier) Send(ctx context.Context, tx *triage.TransactionSummary, res *triage.CorrelationResult) error {
	if !n.Wants(res) {
		return nil
	}

	body, err := json.Marshal(buildMessage(tx, res))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "slack notification sent",
		"transaction_id", res.TransactionID,
		"verdict", res.Verdict,
	)
	return nil
}

func buildMessage(tx *triage.TransactionSummary, r *triage.CorrelationResult) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(tx, r),
			{"type": "divider"},
			fieldsBlock(r),
			{"type": "divider"},
			requestBlock(tx),
			findingsBlock(r),
			{"type": "divider"},
			contextBlock(r),
		},
	}
}

func headerBlock(tx *triage.TransactionSummary, r *triage.CorrelationResult) map[string]any {
	title := "Annotation Confirmed"
	if r.Verdict == triage.VerdictContradicted {
		title = "Annotation Contradicted"
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s: %s", verdictEmoji(r.Verdict, r.DeclaredSeverity), title, tx.Host),
		},
	}
}

func fieldsBlock(r *triage.CorrelationResult) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Verdict:* %s", r.Verdict),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Declared severity:* %s", r.DeclaredSeverity),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Confidence:* %.2f", r.Confidence),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Declared tokens:* %s", list(r.DeclaredTokens)),
		},
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func requestBlock(tx *triage.TransactionSummary) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Request*\n`%s %s` → %d %s",
				tx.Method, truncate(tx.URL, maxURLLen), tx.StatusCode, tx.ContentType),
		},
	}
}

func findingsBlock(r *triage.CorrelationResult) map[string]any {
	var b strings.Builder
	fmt.Fprintf(&b, "*Matched:* %s\n", list(r.MatchedTokens))
	fmt.Fprintf(&b, "*Unmatched:* %s\n", list(r.UnmatchedDeclaredTokens))
	fmt.Fprintf(&b, "*Extra findings:* %s", list(r.ExtraObservedFindings))
	if len(r.ContradictingFindings) > 0 {
		fmt.Fprintf(&b, "\n*Contradicting:* %s", list(r.ContradictingFindings))
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": b.String(),
		},
	}
}

func contextBlock(r *triage.CorrelationResult) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("sift • transaction %s • correlation %s • %s",
					r.TransactionID, r.ID, r.CorrelatedAt.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func verdictEmoji(v triage.Verdict, sev triage.Severity) string {
	if v == triage.VerdictContradicted {
		return "\U0001f7e1" // yellow circle
	}
	if sev >= triage.SeverityCritical {
		return "\U0001f534" // red circle
	}
	return "\U0001f7e0" // orange circle
}

func list(items []string) string {
	if len(items) == 0 {
		return "_none_"
	}
	return truncate(strings.Join(items, ", "), maxListLen)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
