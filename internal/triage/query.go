package triage

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultSearchLimit = 50
	MaxSearchLimit     = 500
)

// contentTypeShortcuts expands common shorthand in SearchFilter.ContentType.
var contentTypeShortcuts = map[string][]string{
	"js":   {"javascript", "ecmascript"},
	"html": {"text/html"},
	"json": {"json"},
	"css":  {"text/css"},
	"xml":  {"xml"},
}

// SearchFilter selects transactions. Empty fields match everything; string
// fields are case-insensitive substrings.
type SearchFilter struct {
	Host        string
	URL         string
	ContentType string
	Method      string
	StatusMin   int
	StatusMax   int
	MinSize     int64
	MaxSize     int64
	MinSeverity Severity
	Limit       int
}

func (f *SearchFilter) matches(r *record) bool {
	s := r.summary
	if f.Host != "" && !containsFold(s.Host, f.Host) {
		return false
	}
	if f.URL != "" && !containsFold(s.URL, f.URL) {
		return false
	}
	if f.Method != "" && !strings.EqualFold(s.Method, f.Method) {
		return false
	}
	if f.ContentType != "" && !matchContentType(s.ContentType, f.ContentType) {
		return false
	}
	if f.StatusMin > 0 && s.StatusCode < f.StatusMin {
		return false
	}
	if f.StatusMax > 0 && s.StatusCode > f.StatusMax {
		return false
	}
	if f.MinSize > 0 && s.ContentLength < f.MinSize {
		return false
	}
	if f.MaxSize > 0 && s.ContentLength > f.MaxSize {
		return false
	}
	return r.annotation.Severity >= f.MinSeverity
}

func matchContentType(ct, want string) bool {
	if alts, ok := contentTypeShortcuts[strings.ToLower(want)]; ok {
		for _, a := range alts {
			if containsFold(ct, a) {
				return true
			}
		}
		return false
	}
	return containsFold(ct, want)
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// Search returns matching transactions, most recent first.
func (e *Engine) Search(f SearchFilter) []FlaggedTransaction {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	limit = min(limit, MaxSearchLimit)

	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []FlaggedTransaction
	for _, r := range e.records {
		if f.matches(r) {
			out = append(out, e.view(r))
		}
	}
	slices.SortFunc(out, func(a, b FlaggedTransaction) int {
		if c := b.Transaction.Timestamp.Compare(a.Transaction.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.Transaction.ID, b.Transaction.ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// TimelineGroup selects the timeline bucket key.
type TimelineGroup string

const (
	GroupByMinute      TimelineGroup = "minute"
	GroupByHost        TimelineGroup = "host"
	GroupByStatusCode  TimelineGroup = "status_code"
	GroupByContentType TimelineGroup = "content_type"
)

// ParseTimelineGroup validates a group name. Empty means minute.
func ParseTimelineGroup(s string) (TimelineGroup, error) {
	switch g := TimelineGroup(strings.ToLower(strings.TrimSpace(s))); g {
	case "":
		return GroupByMinute, nil
	case GroupByMinute, GroupByHost, GroupByStatusCode, GroupByContentType:
		return g, nil
	default:
		return "", invalid("group_by", "unknown grouping %q", s)
	}
}

// TimelineBucket counts transactions sharing one key.
type TimelineBucket struct {
	Key         string   `json:"key"`
	Count       int      `json:"count"`
	Flagged     int      `json:"flagged"`
	MaxSeverity Severity `json:"max_severity"`
}

// Timeline buckets transactions whose timestamp falls within window before
// now. Minute buckets are chronological; other groupings are ordered by
// count desc, then key.
func (e *Engine) Timeline(group TimelineGroup, window time.Duration, now time.Time) ([]TimelineBucket, error) {
	if window <= 0 {
		return nil, invalid("minutes", "window must be positive")
	}
	var key func(s *TransactionSummary) string
	switch group {
	case GroupByMinute, "":
		group = GroupByMinute
		key = func(s *TransactionSummary) string { return s.Timestamp.UTC().Truncate(time.Minute).Format(time.RFC3339) }
	case GroupByHost:
		key = func(s *TransactionSummary) string { return s.Host }
	case GroupByStatusCode:
		key = func(s *TransactionSummary) string { return strconv.Itoa(s.StatusCode) }
	case GroupByContentType:
		key = func(s *TransactionSummary) string {
			ct, _, _ := strings.Cut(s.ContentType, ";")
			if ct = strings.ToLower(strings.TrimSpace(ct)); ct == "" {
				return "unknown"
			}
			return ct
		}
	default:
		return nil, fmt.Errorf("timeline: %w", invalid("group_by", "unknown grouping %q", group))
	}

	since := now.Add(-window)
	buckets := make(map[string]*TimelineBucket)

	e.mu.RLock()
	for _, r := range e.records {
		if r.summary.Timestamp.Before(since) || r.summary.Timestamp.After(now) {
			continue
		}
		k := key(&r.summary)
		b := buckets[k]
		if b == nil {
			b = &TimelineBucket{Key: k}
			buckets[k] = b
		}
		b.Count++
		if r.annotation.Flagged() {
			b.Flagged++
		}
		b.MaxSeverity = max(b.MaxSeverity, r.annotation.Severity)
	}
	e.mu.RUnlock()

	out := make([]TimelineBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	slices.SortFunc(out, func(a, b TimelineBucket) int {
		if group != GroupByMinute && a.Count != b.Count {
			return b.Count - a.Count
		}
		return strings.Compare(a.Key, b.Key)
	})
	return out, nil
}

// Stats is a snapshot of engine and ingest counters.
type Stats struct {
	Transactions int             `json:"transactions"`
	Flagged      int             `json:"flagged"`
	BySeverity   map[string]int  `json:"by_severity"`
	Domains      int             `json:"domains"`
	Dispatched   int             `json:"dispatched"`
	InFlight     int             `json:"in_flight"`
	Correlations int             `json:"correlations"`
	ByVerdict    map[Verdict]int `json:"by_verdict"`
	Pending      int             `json:"pending"`
	Dropped      uint64          `json:"dropped"`
}

// Stats summarizes the aggregate state. Pending and Dropped are filled in by
// the Service.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := Stats{
		Transactions: len(e.records),
		Flagged:      e.queue.Len(),
		BySeverity:   make(map[string]int),
		Domains:      e.agg.Len(),
		Dispatched:   len(e.dispatched),
		InFlight:     len(e.inflight),
		Correlations: len(e.results),
		ByVerdict:    make(map[Verdict]int),
	}
	for _, r := range e.records {
		st.BySeverity[r.annotation.Severity.String()]++
	}
	for _, res := range e.results {
		st.ByVerdict[res.Verdict]++
	}
	return st
}
