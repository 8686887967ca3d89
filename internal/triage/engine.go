package triage

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// record is the engine's view of one ingested transaction. Bodies stay in
// the Store.
type record struct {
	summary    TransactionSummary
	annotation ThreatAnnotation
	seq        uint64
	receivedAt time.Time
}

// Engine owns the aggregate triage state: domain records, the triage queue,
// the dispatched set, in-flight claims and the latest correlation per
// transaction. All mutation happens under one lock, so an update is either
// fully visible or not at all. Engine does no I/O.
type Engine struct {
	policy     Policy
	classifier *Classifier
	correlator *Correlator

	// gate is shared by writers that pair store I/O with an engine update
	// and held exclusively by Clear, so a clear never interleaves with them.
	gate sync.RWMutex

	mu         sync.RWMutex
	records    map[string]*record
	agg        *Aggregator
	queue      *Queue
	dispatched map[string]struct{}
	inflight   map[string]struct{}
	results    map[string]*CorrelationResult
}

// NewEngine validates and copies p. The copy is never mutated afterwards.
func NewEngine(p Policy) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("triage engine: %w", err)
	}
	p = p.clone()
	return &Engine{
		policy:     p,
		classifier: NewClassifier(&p),
		correlator: NewCorrelator(&p),
		records:    make(map[string]*record),
		agg:        NewAggregator(),
		queue:      NewQueue(),
		dispatched: make(map[string]struct{}),
		inflight:   make(map[string]struct{}),
		results:    make(map[string]*CorrelationResult),
	}, nil
}

// Policy returns a copy of the engine's policy tables.
func (e *Engine) Policy() Policy {
	return e.policy.clone()
}

// Classify interprets a raw annotation under the engine's policy.
func (e *Engine) Classify(raw string) ThreatAnnotation {
	return e.classifier.Classify(raw)
}

// Correlate reconciles findings against ann under the engine's policy.
func (e *Engine) Correlate(txID string, ann ThreatAnnotation, findings []string) CorrelationResult {
	return e.correlator.Correlate(txID, ann, findings)
}

// seqOf returns the sequence of the applied version of id.
func (e *Engine) seqOf(id string) (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.records[id]
	if !ok {
		return 0, false
	}
	return r.seq, true
}

// apply folds one annotated transaction into the aggregate state. Versions
// older than the one already applied are ignored; apply reports whether the
// state changed.
func (e *Engine) apply(at *AnnotatedTransaction) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyLocked(at)
}

func (e *Engine) applyLocked(at *AnnotatedTransaction) bool {
	id := at.Transaction.ID
	if prev, ok := e.records[id]; ok && prev.seq > at.Seq {
		return false
	}
	sum := at.Transaction.Summary()
	e.records[id] = &record{
		summary:    sum,
		annotation: at.Annotation,
		seq:        at.Seq,
		receivedAt: at.ReceivedAt,
	}
	e.agg.Observe(sum, at.Annotation)
	e.queue.Upsert(sum, at.Annotation)
	return true
}

func (e *Engine) view(r *record) FlaggedTransaction {
	_, d := e.dispatched[r.summary.ID]
	return FlaggedTransaction{
		Transaction: r.summary,
		Annotation:  r.annotation,
		Dispatched:  d,
	}
}

// Lookup returns the summary and annotation for id.
func (e *Engine) Lookup(id string) (FlaggedTransaction, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.records[id]
	if !ok {
		return FlaggedTransaction{}, false
	}
	return e.view(r), true
}

// ListFlagged returns flagged transactions at or above minSeverity in triage
// order. limit <= 0 returns all.
func (e *Engine) ListFlagged(minSeverity Severity, limit int) []FlaggedTransaction {
	if minSeverity < SeverityLow {
		minSeverity = SeverityLow
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	entries := e.queue.Peek(limit, minSeverity)
	out := make([]FlaggedTransaction, 0, len(entries))
	for _, en := range entries {
		out = append(out, e.view(e.records[en.summary.ID]))
	}
	return out
}

// TopDomains returns up to n domain records in rank order.
func (e *Engine) TopDomains(n int) []DomainRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.agg.TopDomains(n)
}

// Domain returns the record for host.
func (e *Engine) Domain(host string) (DomainRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.agg.Get(normalizeHost(host))
}

// HostTransactions lists the transactions seen on host, oldest first.
func (e *Engine) HostTransactions(host string, limit int) []FlaggedTransaction {
	host = normalizeHost(host)
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []FlaggedTransaction
	for _, r := range e.records {
		if r.summary.Host == host {
			out = append(out, e.view(r))
		}
	}
	slices.SortFunc(out, func(a, b FlaggedTransaction) int {
		if c := a.Transaction.Timestamp.Compare(b.Transaction.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.Transaction.ID, b.Transaction.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Correlation returns the latest correlation for a transaction.
func (e *Engine) Correlation(txID string) (*CorrelationResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.results[txID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// restore rebuilds state from stored transactions, correlations and ledger
// members. It returns the highest sequence seen.
func (e *Engine) restore(txs []*AnnotatedTransaction, results []*CorrelationResult, dispatched []string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var maxSeq uint64
	for _, at := range txs {
		if at == nil || at.Transaction == nil {
			continue
		}
		e.applyLocked(at)
		maxSeq = max(maxSeq, at.Seq)
	}
	for _, r := range results {
		if prev, ok := e.results[r.TransactionID]; ok && prev.CorrelatedAt.After(r.CorrelatedAt) {
			continue
		}
		e.results[r.TransactionID] = r.Clone()
	}
	for _, id := range dispatched {
		e.dispatched[id] = struct{}{}
	}
	return maxSeq
}

// reset drops all aggregate state. In-flight claims are kept so running
// investigations can still release them.
func (e *Engine) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = make(map[string]*record)
	e.agg.Reset()
	e.queue.Reset()
	e.dispatched = make(map[string]struct{})
	e.results = make(map[string]*CorrelationResult)
}
