package triage

import "context"

// Notifier is called after an investigation records a correlation result.
// Implementations decide which results are worth sending.
type Notifier interface {
	Send(ctx context.Context, tx *TransactionSummary, res *CorrelationResult) error
}
