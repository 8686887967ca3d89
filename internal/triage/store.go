package triage

import "context"

// Store is the persistence interface for transactions and correlation
// results. Implementations return copies; callers may not mutate what they
// passed in after Put returns.
type Store interface {
	// PutTransaction writes at unless a version with a higher Seq is
	// already stored.
	PutTransaction(ctx context.Context, at *AnnotatedTransaction) error
	GetTransaction(ctx context.Context, id string) (*AnnotatedTransaction, bool, error)
	// ListTransactions returns every stored transaction, used to rebuild
	// engine state on startup.
	ListTransactions(ctx context.Context) ([]*AnnotatedTransaction, error)

	PutCorrelation(ctx context.Context, res *CorrelationResult) error
	// GetCorrelation returns the most recent result for a transaction.
	GetCorrelation(ctx context.Context, transactionID string) (*CorrelationResult, bool, error)
	// ListCorrelations returns the most recent result per transaction.
	ListCorrelations(ctx context.Context) ([]*CorrelationResult, error)

	Clear(ctx context.Context) error
}
