package behavior

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/linnemanlabs/sift/internal/triage"
)

var errNoVerdict = errors.New("no findings object in final answer")

// buildSystemPrompt lists the finding vocabulary the model must answer in.
func buildSystemPrompt(findings []string) string {
	return fmt.Sprintf(`You are Sift, a web traffic analyst. You examine one captured HTTP transaction at a time and
report what the content actually does, independent of any reputation or blocklist verdict.

Use the tools to read headers and bodies, scan for known patterns and look at other traffic from the
same host. Look for: iframe or script injection, location changes and redirect chains, referrer
checks, localStorage or cookie counters used to show a payload once, anti-debugging (debugger;),
fixed-position overlays with a very high z-index, eval and new Function on decoded strings,
plugin probing, credential forms and cryptominers. Only report behavior you have seen in the content.
When you have read the code and seen none of a behavior, you may report the matching benign finding.

When done, reply with a single JSON object and nothing else:
{"findings": ["finding-name", ...], "summary": "one or two sentences"}

Allowed finding names:
%s`, "- "+strings.Join(findings, "\n- "))
}

// buildInitialPrompt describes the transaction without its annotation so the
// verdict stays independent.
func buildInitialPrompt(tx *triage.Transaction) string {
	return fmt.Sprintf(`Investigate this transaction.

ID: %s
Request: %s %s
Host: %s
Status: %d
Content-Type: %s
Content-Length: %d
Request body: %s
Response body: %s`,
		tx.ID,
		tx.Method, tx.URL,
		tx.Host,
		tx.StatusCode,
		tx.ContentType,
		tx.ContentLength,
		describeBody(tx.RequestBody),
		describeBody(tx.ResponseBody),
	)
}

func describeBody(b *triage.Body) string {
	switch {
	case b == nil:
		return "not captured"
	case b.Omitted:
		return fmt.Sprintf("%d bytes, too large to store", b.Size)
	default:
		return fmt.Sprintf("%d bytes", b.Size)
	}
}

type verdict struct {
	Findings []string `json:"findings"`
	Summary  string   `json:"summary"`
}

// parseVerdict pulls the findings object out of the final answer. Models
// sometimes wrap it in prose or a code fence.
func parseVerdict(text string) (verdict, error) {
	var v verdict
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return v, errNoVerdict
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return v, fmt.Errorf("%w: %v", errNoVerdict, err)
	}
	return v, nil
}
