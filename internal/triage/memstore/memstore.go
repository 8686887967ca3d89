// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/sift/internal/triage"
)

// Store holds transactions and correlation results in memory. Suitable for
// dev/testing; state is lost on restart.
type Store struct {
	mu           sync.RWMutex
	txs          map[string]*triage.AnnotatedTransaction // transaction ID -> latest version
	correlations map[string]*triage.CorrelationResult    // transaction ID -> latest result
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		txs:          make(map[string]*triage.AnnotatedTransaction),
		correlations: make(map[string]*triage.CorrelationResult),
	}
}

// PutTransaction stores a copy of at unless a newer version is present.
func (s *Store) PutTransaction(_ context.Context, at *triage.AnnotatedTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := at.Transaction.ID
	if prev, ok := s.txs[id]; ok && prev.Seq > at.Seq {
		return nil
	}
	s.txs[id] = at.Clone()
	return nil
}

// GetTransaction retrieves a transaction by ID. Returns a copy.
func (s *Store) GetTransaction(_ context.Context, id string) (*triage.AnnotatedTransaction, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.txs[id]
	if !ok {
		return nil, false, nil
	}
	return at.Clone(), true, nil
}

// ListTransactions returns copies of every stored transaction.
func (s *Store) ListTransactions(_ context.Context) ([]*triage.AnnotatedTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*triage.AnnotatedTransaction, 0, len(s.txs))
	for _, at := range s.txs {
		out = append(out, at.Clone())
	}
	return out, nil
}

// PutCorrelation stores a copy of res as the latest result for its
// transaction.
func (s *Store) PutCorrelation(_ context.Context, res *triage.CorrelationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.correlations[res.TransactionID] = res.Clone()
	return nil
}

// GetCorrelation retrieves the latest result for a transaction. Returns a copy.
func (s *Store) GetCorrelation(_ context.Context, transactionID string) (*triage.CorrelationResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.correlations[transactionID]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// ListCorrelations returns copies of the latest result per transaction.
func (s *Store) ListCorrelations(_ context.Context) ([]*triage.CorrelationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*triage.CorrelationResult, 0, len(s.correlations))
	for _, r := range s.correlations {
		out = append(out, r.Clone())
	}
	return out, nil
}

// Clear drops everything.
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = make(map[string]*triage.AnnotatedTransaction)
	s.correlations = make(map[string]*triage.CorrelationResult)
	return nil
}
