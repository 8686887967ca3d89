package triage

import "context"

// BehaviorClassifier independently analyzes a transaction and returns named
// behavioral findings. Implementations should honor ctx cancellation. The
// Service stops waiting at the deadline either way and ignores findings
// that arrive after it.
type BehaviorClassifier interface {
	Classify(ctx context.Context, tx *Transaction, ann ThreatAnnotation) ([]string, error)
}

// BehaviorClassifierFunc adapts a function to BehaviorClassifier.
type BehaviorClassifierFunc func(ctx context.Context, tx *Transaction, ann ThreatAnnotation) ([]string, error)

// Classify calls f.
func (f BehaviorClassifierFunc) Classify(ctx context.Context, tx *Transaction, ann ThreatAnnotation) ([]string, error) {
	return f(ctx, tx, ann)
}
