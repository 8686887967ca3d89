package behavior

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/linnemanlabs/sift/internal/signatures"
	"github.com/linnemanlabs/sift/internal/triage"
)

// PatternClassifier is a local triage.BehaviorClassifier over the signature
// catalog. It needs no network and answers in microseconds, so it is the
// default and the fallback when no LLM is configured.
type PatternClassifier struct {
	// Contradictions maps indicator tokens to the benign findings that argue
	// against them. When set, only benign findings for declared tokens are
	// reported. Nil reports every benign finding the scan supports.
	Contradictions map[string][]string
}

// Classify scans both bodies. When at least one body was captured, benign
// findings are added for behaviors the scan did not see. Without a body
// there is nothing to judge and no findings are returned.
func (p PatternClassifier) Classify(ctx context.Context, tx *triage.Transaction, ann triage.ThreatAnnotation) ([]string, error) {
	var matches []signatures.Match
	scanned := false
	for _, b := range []*triage.Body{tx.RequestBody, tx.ResponseBody} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := b.Bytes()
		if err != nil {
			return nil, fmt.Errorf("classify %s: %w", tx.ID, err)
		}
		if raw == nil {
			continue
		}
		scanned = true
		matches = append(matches, signatures.Scan(raw)...)
	}
	if !scanned {
		return nil, nil
	}
	found := signatures.FindingsOf(matches)
	out := append(found, p.relevant(signatures.Absent(found), ann)...)
	slices.Sort(out)
	return out, nil
}

// relevant keeps the benign findings that bear on a declared token.
func (p PatternClassifier) relevant(benign []string, ann triage.ThreatAnnotation) []string {
	if p.Contradictions == nil {
		return benign
	}
	want := make(map[string]struct{})
	for _, tok := range ann.IndicatorTokens {
		for _, f := range p.Contradictions[tok] {
			want[strings.ToLower(strings.TrimSpace(f))] = struct{}{}
		}
	}
	out := benign[:0]
	for _, f := range benign {
		if _, ok := want[f]; ok {
			out = append(out, f)
		}
	}
	return out
}
