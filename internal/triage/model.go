package triage

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/textproto"
	"slices"
	"strings"
	"time"
)

// Severity is the declared urgency of an annotation. The zero value is
// SeverityNone, which means "no annotation present", not "benign".
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{
	SeverityNone:     "None",
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

func (s Severity) String() string {
	if s < SeverityNone || s > SeverityCritical {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// Valid reports whether s is one of the five defined severities.
func (s Severity) Valid() bool {
	return s >= SeverityNone && s <= SeverityCritical
}

// Protected reports whether items of this severity must never be dropped
// under ingestion backpressure.
func (s Severity) Protected() bool {
	return s >= SeverityHigh
}

// ParseSeverity parses a severity name case-insensitively.
func ParseSeverity(name string) (Severity, bool) {
	name = strings.TrimSpace(name)
	for i, n := range severityNames {
		if strings.EqualFold(n, name) {
			return Severity(i), true
		}
	}
	return SeverityNone, false
}

// MarshalJSON encodes the severity by name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts a severity name.
func (s *Severity) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return fmt.Errorf("severity: %w", err)
	}
	v, ok := ParseSeverity(name)
	if !ok {
		return fmt.Errorf("severity: unknown name %q", name)
	}
	*s = v
	return nil
}

// Headers maps header names to values. Keys are stored in canonical MIME form
// so lookups are case-insensitive.
type Headers map[string]string

// NewHeaders copies src into a Headers map with canonical keys.
func NewHeaders(src map[string]string) Headers {
	if len(src) == 0 {
		return nil
	}
	h := make(Headers, len(src))
	for k, v := range src {
		h[textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(k))] = v
	}
	return h
}

// Get returns the value for name regardless of case.
func (h Headers) Get(name string) string {
	return h[textproto.CanonicalMIMEHeaderKey(name)]
}

// Transaction is one observed request/response exchange. It is an immutable
// snapshot once stored.
type Transaction struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Method           string    `json:"method"`
	URL              string    `json:"url"`
	Host             string    `json:"host"`
	StatusCode       int       `json:"status_code"`
	ContentType      string    `json:"content_type,omitempty"`
	ContentLength    int64     `json:"content_length"`
	RequestHeaders   Headers   `json:"request_headers,omitempty"`
	ResponseHeaders  Headers   `json:"response_headers,omitempty"`
	RequestBody      *Body     `json:"request_body,omitempty"`
	ResponseBody     *Body     `json:"response_body,omitempty"`
	RawAnnotation    string    `json:"raw_annotation,omitempty"`
	AnnotationSource string    `json:"annotation_source,omitempty"`
}

// Summary returns the body-less view of the transaction.
func (t *Transaction) Summary() TransactionSummary {
	return TransactionSummary{
		ID:            t.ID,
		Timestamp:     t.Timestamp,
		Method:        t.Method,
		URL:           t.URL,
		Host:          t.Host,
		StatusCode:    t.StatusCode,
		ContentType:   t.ContentType,
		ContentLength: t.ContentLength,
	}
}

// TransactionSummary is the list-friendly view of a transaction.
type TransactionSummary struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Method        string    `json:"method"`
	URL           string    `json:"url"`
	Host          string    `json:"host"`
	StatusCode    int       `json:"status_code"`
	ContentType   string    `json:"content_type,omitempty"`
	ContentLength int64     `json:"content_length"`
}

// ThreatAnnotation is the normalized interpretation of a raw annotation.
type ThreatAnnotation struct {
	Severity        Severity `json:"severity"`
	Message         string   `json:"message,omitempty"`
	IndicatorTokens []string `json:"indicator_tokens,omitempty"`
}

// Flagged reports whether the annotation puts the transaction in the triage queue.
func (a ThreatAnnotation) Flagged() bool {
	return a.Severity != SeverityNone
}

// AnnotatedTransaction is the enrichment layered over a stored transaction.
// Seq is the submission sequence used for last-write-wins.
type AnnotatedTransaction struct {
	Transaction *Transaction     `json:"transaction"`
	Annotation  ThreatAnnotation `json:"annotation"`
	ReceivedAt  time.Time        `json:"received_at"`
	Seq         uint64           `json:"seq"`
}

// Clone returns a copy that shares no mutable state with at.
func (at *AnnotatedTransaction) Clone() *AnnotatedTransaction {
	cp := *at
	cp.Annotation.IndicatorTokens = slices.Clone(at.Annotation.IndicatorTokens)
	if at.Transaction != nil {
		tx := *at.Transaction
		tx.RequestHeaders = maps.Clone(tx.RequestHeaders)
		tx.ResponseHeaders = maps.Clone(tx.ResponseHeaders)
		if tx.RequestBody != nil {
			b := *tx.RequestBody
			tx.RequestBody = &b
		}
		if tx.ResponseBody != nil {
			b := *tx.ResponseBody
			tx.ResponseBody = &b
		}
		cp.Transaction = &tx
	}
	return &cp
}

// FlaggedTransaction is one row of the prioritized triage listing.
type FlaggedTransaction struct {
	Transaction TransactionSummary `json:"transaction"`
	Annotation  ThreatAnnotation   `json:"annotation"`
	Dispatched  bool               `json:"dispatched"`
}

// DomainRecord is the aggregate state for one origin host.
type DomainRecord struct {
	Host             string    `json:"host"`
	TransactionCount int       `json:"transaction_count"`
	MaxSeverity      Severity  `json:"max_severity"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
}

// Verdict is the reconciliation outcome between a declared annotation and
// observed behavioral findings.
type Verdict string

const (
	VerdictConfirmed          Verdict = "confirmed"
	VerdictPartiallyConfirmed Verdict = "partially_confirmed"
	VerdictUnconfirmed        Verdict = "unconfirmed"
	VerdictContradicted       Verdict = "contradicted"
)

// CorrelationResult is the outcome of reconciling one transaction's
// annotation against behavioral findings.
type CorrelationResult struct {
	ID                      string    `json:"id,omitempty"`
	TransactionID           string    `json:"transaction_id"`
	DeclaredSeverity        Severity  `json:"declared_severity"`
	DeclaredTokens          []string  `json:"declared_tokens"`
	ObservedFindings        []string  `json:"observed_findings"`
	MatchedTokens           []string  `json:"matched_tokens"`
	UnmatchedDeclaredTokens []string  `json:"unmatched_declared_tokens"`
	ExtraObservedFindings   []string  `json:"extra_observed_findings"`
	ContradictingFindings   []string  `json:"contradicting_findings,omitempty"`
	Verdict                 Verdict   `json:"verdict"`
	Confidence              float64   `json:"confidence"`
	Degraded                bool      `json:"degraded,omitempty"`
	Reason                  string    `json:"reason,omitempty"`
	CorrelatedAt            time.Time `json:"correlated_at"`
}

// Clone returns a deep copy of r.
func (r *CorrelationResult) Clone() *CorrelationResult {
	cp := *r
	cp.DeclaredTokens = slices.Clone(r.DeclaredTokens)
	cp.ObservedFindings = slices.Clone(r.ObservedFindings)
	cp.MatchedTokens = slices.Clone(r.MatchedTokens)
	cp.UnmatchedDeclaredTokens = slices.Clone(r.UnmatchedDeclaredTokens)
	cp.ExtraObservedFindings = slices.Clone(r.ExtraObservedFindings)
	cp.ContradictingFindings = slices.Clone(r.ContradictingFindings)
	return &cp
}

// Degradation reasons recorded on CorrelationResult.Reason.
const (
	ReasonClassifierTimeout = "classifier_timeout"
	ReasonClassifierError   = "classifier_error"
)
