package triage

import (
	"context"
	"slices"
	"sync"
)

// DispatchLedger persists the set of transaction IDs that have been claimed
// for or sent to behavioral investigation. It is the triage queue's only
// authoritative state, and when shared it is what keeps two instances from
// investigating the same transaction.
type DispatchLedger interface {
	// Claim adds id and reports whether this call added it. It must be
	// atomic against concurrent claims of the same id.
	Claim(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
	Unmark(ctx context.Context, id string) error
	Members(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
}

// MemoryLedger is the process-local DispatchLedger.
type MemoryLedger struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{ids: make(map[string]struct{})}
}

// Claim adds id unless it is already present.
func (l *MemoryLedger) Claim(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ids[id]; ok {
		return false, nil
	}
	l.ids[id] = struct{}{}
	return true, nil
}

// Mark adds id to the set.
func (l *MemoryLedger) Mark(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids[id] = struct{}{}
	return nil
}

// Unmark removes id from the set.
func (l *MemoryLedger) Unmark(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.ids, id)
	return nil
}

// Members returns the set, sorted.
func (l *MemoryLedger) Members(_ context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.ids))
	for id := range l.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

// Clear empties the set.
func (l *MemoryLedger) Clear(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = make(map[string]struct{})
	return nil
}
