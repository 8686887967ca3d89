package triage

import (
	"math"
	"slices"
	"strings"
	"time"
)

// Correlator reconciles a declared annotation against observed behavioral
// findings using the policy's expectation and contradiction tables.
type Correlator struct {
	expects     map[string][]string
	contradicts map[string][]string
	benign      map[string]struct{}
	penalty     float64
	floor       float64
	now         func() time.Time
}

// NewCorrelator builds a correlator over p.
func NewCorrelator(p *Policy) *Correlator {
	c := &Correlator{
		expects:     lowerTable(p.Expectations),
		contradicts: lowerTable(p.Contradictions),
		benign:      make(map[string]struct{}),
		penalty:     p.ExtraFindingPenalty,
		floor:       p.ConfirmedFloor,
		now:         time.Now,
	}
	for _, fs := range c.contradicts {
		for _, f := range fs {
			c.benign[f] = struct{}{}
		}
	}
	return c
}

func lowerTable(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, vs := range in {
		out[k] = canonicalFindings(vs)
	}
	return out
}

// canonicalFindings lowercases, trims, de-duplicates and sorts.
func canonicalFindings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, f := range in {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Correlate computes the verdict for one transaction. The declared severity
// is always carried through, whatever the verdict.
func (c *Correlator) Correlate(txID string, ann ThreatAnnotation, findings []string) CorrelationResult {
	observed := canonicalFindings(findings)
	declared := slices.Clone(ann.IndicatorTokens)
	slices.Sort(declared)
	declared = slices.Compact(declared)

	res := CorrelationResult{
		TransactionID:           txID,
		DeclaredSeverity:        ann.Severity,
		DeclaredTokens:          nonNil(declared),
		ObservedFindings:        nonNil(observed),
		MatchedTokens:           []string{},
		UnmatchedDeclaredTokens: []string{},
		ExtraObservedFindings:   []string{},
		CorrelatedAt:            c.now().UTC(),
	}

	has := make(map[string]struct{}, len(observed))
	for _, f := range observed {
		has[f] = struct{}{}
	}

	explained := make(map[string]struct{})
	contradicted := make(map[string]bool)
	var contradictions []string
	for _, tok := range declared {
		hit := false
		for _, f := range c.expects[tok] {
			explained[f] = struct{}{}
			if _, ok := has[f]; ok {
				hit = true
			}
		}
		if hit {
			res.MatchedTokens = append(res.MatchedTokens, tok)
		} else {
			res.UnmatchedDeclaredTokens = append(res.UnmatchedDeclaredTokens, tok)
		}
		for _, f := range c.contradicts[tok] {
			explained[f] = struct{}{}
			if _, ok := has[f]; ok {
				contradicted[tok] = true
				contradictions = append(contradictions, f)
			}
		}
	}
	res.ContradictingFindings = canonicalFindings(contradictions)

	// benign findings report an absence, never unexplained behavior
	for _, f := range observed {
		_, known := explained[f]
		_, benign := c.benign[f]
		if !known && !benign {
			res.ExtraObservedFindings = append(res.ExtraObservedFindings, f)
		}
	}

	matched := len(res.MatchedTokens)
	total := len(declared)
	switch {
	case total == 0:
		res.Verdict = VerdictUnconfirmed
	case matched == total && len(contradicted) == 0:
		res.Verdict = VerdictConfirmed
		res.Confidence = math.Max(c.floor, 1-c.penalty*float64(len(res.ExtraObservedFindings)))
	case matched == total:
		clean := 0
		for _, tok := range res.MatchedTokens {
			if !contradicted[tok] {
				clean++
			}
		}
		res.Verdict = VerdictPartiallyConfirmed
		res.Confidence = float64(clean) / float64(total)
	case matched > 0:
		res.Verdict = VerdictPartiallyConfirmed
		res.Confidence = float64(matched) / float64(total)
	case len(contradicted) > 0:
		res.Verdict = VerdictContradicted
	default:
		res.Verdict = VerdictUnconfirmed
	}
	res.Confidence = roundConfidence(res.Confidence)
	return res
}

// Degraded returns the result recorded when the classifier could not supply
// findings.
func (c *Correlator) Degraded(txID string, ann ThreatAnnotation, reason string) CorrelationResult {
	tokens := slices.Clone(ann.IndicatorTokens)
	slices.Sort(tokens)
	tokens = slices.Compact(tokens)
	return CorrelationResult{
		TransactionID:           txID,
		DeclaredSeverity:        ann.Severity,
		DeclaredTokens:          nonNil(tokens),
		ObservedFindings:        []string{},
		MatchedTokens:           []string{},
		UnmatchedDeclaredTokens: nonNil(slices.Clone(tokens)),
		ExtraObservedFindings:   []string{},
		Verdict:                 VerdictUnconfirmed,
		Confidence:              0,
		Degraded:                true,
		Reason:                  reason,
		CorrelatedAt:            c.now().UTC(),
	}
}

// roundConfidence trims float noise such as 0.9500000000000001.
func roundConfidence(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
