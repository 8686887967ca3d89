package triage

import (
	"slices"
	"strings"
)

// Classifier turns a raw annotation into a ThreatAnnotation. It is a pure
// function of its input and the policy it was built with.
type Classifier struct {
	labels   map[string]Severity
	keywords []KeywordRule
}

// NewClassifier builds a classifier over the policy's label and keyword tables.
func NewClassifier(p *Policy) *Classifier {
	c := &Classifier{
		labels:   make(map[string]Severity, len(p.SeverityLabels)),
		keywords: make([]KeywordRule, 0, len(p.Keywords)),
	}
	for label, sev := range p.SeverityLabels {
		c.labels[strings.ToLower(strings.TrimSpace(label))] = sev
	}
	for _, r := range p.Keywords {
		c.keywords = append(c.keywords, KeywordRule{
			Keyword: strings.ToLower(r.Keyword),
			Token:   r.Token,
		})
	}
	return c
}

// Classify parses "<Label>: <message>". A missing or unknown label yields
// SeverityMedium with the whole annotation as the message. Blank input
// yields the zero annotation.
func (c *Classifier) Classify(raw string) ThreatAnnotation {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ThreatAnnotation{}
	}

	sev := SeverityMedium
	msg := raw
	if label, rest, ok := strings.Cut(raw, ":"); ok {
		if s, known := c.labels[strings.ToLower(strings.TrimSpace(label))]; known {
			sev = s
			msg = strings.TrimSpace(rest)
		}
	}

	return ThreatAnnotation{
		Severity:        sev,
		Message:         msg,
		IndicatorTokens: c.tokens(msg),
	}
}

func (c *Classifier) tokens(msg string) []string {
	lower := strings.ToLower(msg)
	var out []string
	for _, r := range c.keywords {
		if strings.Contains(lower, r.Keyword) && !slices.Contains(out, r.Token) {
			out = append(out, r.Token)
		}
	}
	slices.Sort(out)
	return out
}
