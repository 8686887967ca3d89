package triage

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

// Dispatcher selects transactions for behavioral investigation and records
// their correlation outcome. A transaction is handed out at most once until
// it is explicitly reset.
type Dispatcher struct {
	engine *Engine
	store  Store
	ledger DispatchLedger
	logger log.Logger
}

// NewDispatcher wires a dispatcher over the engine state.
func NewDispatcher(engine *Engine, store Store, ledger DispatchLedger, logger log.Logger) *Dispatcher {
	return &Dispatcher{engine: engine, store: store, ledger: ledger, logger: logger}
}

func (e *Engine) skipLocked(id string) bool {
	if _, ok := e.dispatched[id]; ok {
		return true
	}
	_, ok := e.inflight[id]
	return ok
}

// Peek returns the transaction Next would claim, without claiming it. It
// reads local state only, so a transaction another instance has claimed
// since may still show.
func (d *Dispatcher) Peek() (FlaggedTransaction, bool) {
	e := d.engine
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.queue.Next(e.skipLocked)
	if !ok {
		return FlaggedTransaction{}, false
	}
	return e.view(e.records[en.summary.ID]), true
}

// Next claims the highest-priority transaction that is neither dispatched nor
// already claimed. The claim is taken in the ledger, so when the ledger is
// shared a transaction claimed by another instance is skipped and remembered
// as dispatched. The claim must be released by ReportFindings, Degrade or
// Abandon.
func (d *Dispatcher) Next(ctx context.Context) (FlaggedTransaction, bool, error) {
	e := d.engine
	for {
		e.mu.Lock()
		en, ok := e.queue.Next(e.skipLocked)
		if !ok {
			e.mu.Unlock()
			return FlaggedTransaction{}, false, nil
		}
		id := en.summary.ID
		e.inflight[id] = struct{}{}
		ft := e.view(e.records[id])
		e.mu.Unlock()

		claimed, err := d.ledger.Claim(ctx, id)
		if err != nil {
			e.mu.Lock()
			delete(e.inflight, id)
			e.mu.Unlock()
			return FlaggedTransaction{}, false, fmt.Errorf("claim %s: %w", id, err)
		}
		if claimed {
			return ft, true, nil
		}

		e.mu.Lock()
		delete(e.inflight, id)
		e.dispatched[id] = struct{}{}
		e.mu.Unlock()
		d.logger.Info(ctx, "transaction already claimed in ledger, skipping", "transaction_id", id)
	}
}

// Abandon releases a claim taken by Next without recording anything. The
// ledger entry is removed even when ctx is already canceled.
func (d *Dispatcher) Abandon(ctx context.Context, id string) {
	e := d.engine
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()

	if err := d.ledger.Unmark(context.WithoutCancel(ctx), id); err != nil {
		d.logger.Error(ctx, err, "failed to release ledger claim", "transaction_id", id)
	}
}

// ReportFindings correlates findings against the transaction's declared
// annotation, stores the result, marks the transaction dispatched and
// releases any claim on it.
func (d *Dispatcher) ReportFindings(ctx context.Context, id string, findings []string) (*CorrelationResult, error) {
	ft, ok := d.engine.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("report findings %s: %w", id, ErrUnknownTransaction)
	}
	res := d.engine.Correlate(id, ft.Annotation, findings)
	return d.record(ctx, &res)
}

// Degrade records an Unconfirmed, zero-confidence result for a transaction
// whose findings could not be obtained.
func (d *Dispatcher) Degrade(ctx context.Context, id, reason string) (*CorrelationResult, error) {
	ft, ok := d.engine.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("degrade %s: %w", id, ErrUnknownTransaction)
	}
	res := d.engine.correlator.Degraded(id, ft.Annotation, reason)
	return d.record(ctx, &res)
}

// record marks the transaction in the ledger, persists res, then publishes
// it to the engine. When this call added the ledger entry and the store
// write fails, the entry is removed again. A claim taken by Next is left for
// the caller to abandon.
func (d *Dispatcher) record(ctx context.Context, res *CorrelationResult) (*CorrelationResult, error) {
	id := res.TransactionID
	res.ID = ulid.Make().String()

	d.engine.gate.RLock()
	defer d.engine.gate.RUnlock()
	if _, ok := d.engine.Lookup(id); !ok {
		return nil, fmt.Errorf("record correlation %s: %w", id, ErrUnknownTransaction)
	}

	added, err := d.ledger.Claim(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mark dispatched %s: %w", id, err)
	}
	if err := d.store.PutCorrelation(ctx, res); err != nil {
		if added {
			if uerr := d.ledger.Unmark(context.WithoutCancel(ctx), id); uerr != nil {
				d.logger.Error(ctx, uerr, "failed to roll back ledger entry", "transaction_id", id)
			}
		}
		return nil, fmt.Errorf("store correlation %s: %w", id, err)
	}

	e := d.engine
	e.mu.Lock()
	e.results[id] = res.Clone()
	e.dispatched[id] = struct{}{}
	delete(e.inflight, id)
	e.mu.Unlock()

	d.logger.Info(ctx, "correlation recorded",
		"transaction_id", id,
		"verdict", res.Verdict,
		"confidence", res.Confidence,
		"declared_severity", res.DeclaredSeverity,
		"degraded", res.Degraded,
	)
	return res, nil
}

// Reset makes a dispatched transaction eligible for investigation again.
// Resetting a transaction that was never dispatched is a no-op.
func (d *Dispatcher) Reset(ctx context.Context, id string) error {
	if _, ok := d.engine.Lookup(id); !ok {
		return fmt.Errorf("reset %s: %w", id, ErrUnknownTransaction)
	}
	if err := d.ledger.Unmark(ctx, id); err != nil {
		return fmt.Errorf("unmark dispatched %s: %w", id, err)
	}
	e := d.engine
	e.mu.Lock()
	delete(e.dispatched, id)
	e.mu.Unlock()
	return nil
}

// IsDispatched reports whether id is in the dispatched set.
func (d *Dispatcher) IsDispatched(id string) bool {
	e := d.engine
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.dispatched[id]
	return ok
}
