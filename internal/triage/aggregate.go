package triage

import (
	"slices"
	"strings"
	"time"
)

// member is one transaction's contribution to its host's record.
type member struct {
	severity  Severity
	timestamp time.Time
}

type hostState struct {
	members map[string]member
	record  DomainRecord
}

// Aggregator maintains per-host DomainRecords. Records are derived from the
// current set of transactions on each host, so replacing a transaction or
// changing ingestion order never skews counts. Not safe for concurrent use;
// the engine serializes access.
type Aggregator struct {
	hosts map[string]*hostState
	// owner tracks which host a transaction ID currently counts towards.
	owner map[string]string
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		hosts: make(map[string]*hostState),
		owner: make(map[string]string),
	}
}

// Observe records or replaces the transaction's contribution.
func (a *Aggregator) Observe(tx TransactionSummary, ann ThreatAnnotation) {
	if prev, ok := a.owner[tx.ID]; ok && prev != tx.Host {
		if hs := a.hosts[prev]; hs != nil {
			delete(hs.members, tx.ID)
			hs.recompute()
		}
	}

	hs := a.hosts[tx.Host]
	if hs == nil {
		hs = &hostState{
			members: make(map[string]member),
			record:  DomainRecord{Host: tx.Host},
		}
		a.hosts[tx.Host] = hs
	}
	hs.members[tx.ID] = member{severity: ann.Severity, timestamp: tx.Timestamp}
	a.owner[tx.ID] = tx.Host
	hs.recompute()
}

func (hs *hostState) recompute() {
	r := DomainRecord{Host: hs.record.Host}
	for _, m := range hs.members {
		r.TransactionCount++
		r.MaxSeverity = max(r.MaxSeverity, m.severity)
		if r.FirstSeen.IsZero() || m.timestamp.Before(r.FirstSeen) {
			r.FirstSeen = m.timestamp
		}
		if m.timestamp.After(r.LastSeen) {
			r.LastSeen = m.timestamp
		}
	}
	hs.record = r
}

// Get returns the record for host.
func (a *Aggregator) Get(host string) (DomainRecord, bool) {
	hs, ok := a.hosts[host]
	if !ok {
		return DomainRecord{}, false
	}
	return hs.record, true
}

// TopDomains returns up to n records ordered by max severity desc,
// transaction count desc, host asc. n <= 0 returns all.
func (a *Aggregator) TopDomains(n int) []DomainRecord {
	out := make([]DomainRecord, 0, len(a.hosts))
	for _, hs := range a.hosts {
		if hs.record.TransactionCount == 0 {
			continue
		}
		out = append(out, hs.record)
	}
	slices.SortFunc(out, compareDomains)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func compareDomains(a, b DomainRecord) int {
	if a.MaxSeverity != b.MaxSeverity {
		return int(b.MaxSeverity) - int(a.MaxSeverity)
	}
	if a.TransactionCount != b.TransactionCount {
		return b.TransactionCount - a.TransactionCount
	}
	return strings.Compare(a.Host, b.Host)
}

// Len reports the number of hosts with at least one transaction.
func (a *Aggregator) Len() int {
	n := 0
	for _, hs := range a.hosts {
		if hs.record.TransactionCount > 0 {
			n++
		}
	}
	return n
}

// Reset drops all records.
func (a *Aggregator) Reset() {
	a.hosts = make(map[string]*hostState)
	a.owner = make(map[string]string)
}
