package triage

import (
	"slices"
	"strings"
)

// queueEntry is the ranking key for one flagged transaction.
type queueEntry struct {
	summary    TransactionSummary
	annotation ThreatAnnotation
}

// Queue ranks flagged transactions: severity desc, timestamp asc, then host
// and ID for a deterministic order. Its only authoritative state is the
// dispatched set held by the ledger; entries are re-derivable from the
// stored annotations. Not safe for concurrent use; the engine serializes
// access.
type Queue struct {
	entries map[string]queueEntry
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{entries: make(map[string]queueEntry)}
}

// Upsert adds, replaces or removes (when no longer flagged) the entry for tx.
func (q *Queue) Upsert(tx TransactionSummary, ann ThreatAnnotation) {
	if !ann.Flagged() {
		delete(q.entries, tx.ID)
		return
	}
	q.entries[tx.ID] = queueEntry{summary: tx, annotation: ann}
}

// Contains reports whether id is currently flagged.
func (q *Queue) Contains(id string) bool {
	_, ok := q.entries[id]
	return ok
}

// Len returns the number of flagged transactions.
func (q *Queue) Len() int { return len(q.entries) }

// Peek returns up to n entries at or above minSeverity in rank order without
// mutating state. n <= 0 returns all.
func (q *Queue) Peek(n int, minSeverity Severity) []queueEntry {
	return q.rank(n, minSeverity, nil)
}

// Next returns the highest ranked entry for which skip returns false.
func (q *Queue) Next(skip func(id string) bool) (queueEntry, bool) {
	out := q.rank(1, SeverityNone, skip)
	if len(out) == 0 {
		return queueEntry{}, false
	}
	return out[0], true
}

func (q *Queue) rank(n int, minSeverity Severity, skip func(id string) bool) []queueEntry {
	out := make([]queueEntry, 0, len(q.entries))
	for id, e := range q.entries {
		if e.annotation.Severity < minSeverity {
			continue
		}
		if skip != nil && skip(id) {
			continue
		}
		out = append(out, e)
	}
	slices.SortFunc(out, compareEntries)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func compareEntries(a, b queueEntry) int {
	if a.annotation.Severity != b.annotation.Severity {
		return int(b.annotation.Severity) - int(a.annotation.Severity)
	}
	if c := a.summary.Timestamp.Compare(b.summary.Timestamp); c != 0 {
		return c
	}
	if c := strings.Compare(a.summary.Host, b.summary.Host); c != 0 {
		return c
	}
	return strings.Compare(a.summary.ID, b.summary.ID)
}

// Reset drops all entries.
func (q *Queue) Reset() {
	q.entries = make(map[string]queueEntry)
}
