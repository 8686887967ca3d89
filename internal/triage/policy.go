package triage

import (
	"errors"
	"fmt"
	"mime"
	"slices"
	"strings"
)

// KeywordRule maps a case-insensitive substring of an annotation message to
// a canonical indicator token.
type KeywordRule struct {
	Keyword string `yaml:"keyword" json:"keyword"`
	Token   string `yaml:"token" json:"token"`
}

// Policy holds the process-lifetime tables and thresholds the engine runs
// on. It is copied at construction and never mutated afterwards, so it is
// shared by all workers without locking.
type Policy struct {
	// SeverityLabels maps a lowercase leading label to a severity.
	SeverityLabels map[string]Severity

	// Keywords is scanned in order; several rules may yield the same token.
	Keywords []KeywordRule

	// Expectations maps an indicator token to the behavioral findings that
	// confirm it.
	Expectations map[string][]string

	// Contradictions maps an indicator token to benign findings that refute it.
	Contradictions map[string][]string

	// ExtraFindingPenalty is subtracted from a Confirmed confidence for each
	// observed finding no declared token explains.
	ExtraFindingPenalty float64

	// ConfirmedFloor is the lowest confidence a Confirmed verdict can carry.
	ConfirmedFloor float64

	// MaxBodyBytes omits bodies larger than this.
	MaxBodyBytes int

	// InlineTextMaxBytes is the size at which bodies switch to base64.
	InlineTextMaxBytes int

	// TextContentTypes is the body allow-list. Entries are exact media types,
	// "type/*" wildcards or "*+suffix" structured-syntax wildcards.
	TextContentTypes []string
}

// DefaultPolicy returns the built-in tables.
func DefaultPolicy() Policy {
	return Policy{
		SeverityLabels: map[string]Severity{
			"critical": SeverityCritical,
			"high":     SeverityHigh,
			"medium":   SeverityMedium,
			"low":      SeverityLow,
		},
		Keywords: []KeywordRule{
			{Keyword: "eval", Token: "dynamic-code-execution"},
			{Keyword: "function constructor", Token: "dynamic-code-execution"},
			{Keyword: "new function", Token: "dynamic-code-execution"},
			{Keyword: "obfuscat", Token: "obfuscation"},
			{Keyword: "packed", Token: "obfuscation"},
			{Keyword: "redirect", Token: "redirect"},
			{Keyword: "malware", Token: "known-malware"},
			{Keyword: "exploit kit", Token: "exploit-kit"},
			{Keyword: "landing page", Token: "exploit-kit"},
			{Keyword: "phish", Token: "phishing"},
			{Keyword: "iframe", Token: "iframe-injection"},
			{Keyword: "cryptominer", Token: "cryptomining"},
			{Keyword: "coinhive", Token: "cryptomining"},
		},
		Expectations: map[string][]string{
			"dynamic-code-execution": {"eval-or-function-constructor-detected"},
			"obfuscation":            {"obfuscated-script-detected", "string-array-encoding-detected"},
			"redirect":               {"navigation-api-usage-detected", "meta-refresh-detected"},
			"known-malware":          {"malware-signature-detected", "eval-or-function-constructor-detected", "obfuscated-script-detected"},
			"exploit-kit":            {"plugin-detection-probe-detected", "iframe-injection-detected"},
			"phishing":               {"credential-form-detected"},
			"iframe-injection":       {"iframe-injection-detected"},
			"cryptomining":           {"cryptominer-script-detected"},
		},
		Contradictions: map[string][]string{
			"dynamic-code-execution": {"no-dynamic-code-execution"},
			"obfuscation":            {"plain-readable-source"},
			"redirect":               {"no-navigation-api-usage"},
			"iframe-injection":       {"no-iframe-insertion"},
			"phishing":               {"no-credential-inputs"},
		},
		ExtraFindingPenalty: 0.05,
		ConfirmedFloor:      0.5,
		MaxBodyBytes:        5 << 20,
		InlineTextMaxBytes:  50_000,
		TextContentTypes: []string{
			"text/*",
			"application/javascript",
			"application/x-javascript",
			"application/ecmascript",
			"application/json",
			"application/xml",
			"application/x-www-form-urlencoded",
			"*+json",
			"*+xml",
		},
	}
}

// Validate checks the tables for internal consistency.
func (p *Policy) Validate() error {
	var errs []error

	if len(p.SeverityLabels) == 0 {
		errs = append(errs, errors.New("policy: severity labels are required"))
	}
	for label, sev := range p.SeverityLabels {
		if label != strings.ToLower(label) {
			errs = append(errs, fmt.Errorf("policy: severity label %q must be lowercase", label))
		}
		if !sev.Valid() || sev == SeverityNone {
			errs = append(errs, fmt.Errorf("policy: label %q maps to invalid severity %v", label, sev))
		}
	}

	for i, rule := range p.Keywords {
		if strings.TrimSpace(rule.Keyword) == "" || strings.TrimSpace(rule.Token) == "" {
			errs = append(errs, fmt.Errorf("policy: keyword rule %d is incomplete", i))
			continue
		}
		if len(p.Expectations[rule.Token]) == 0 {
			errs = append(errs, fmt.Errorf("policy: token %q has no expected findings", rule.Token))
		}
	}

	for token := range p.Contradictions {
		if _, ok := p.Expectations[token]; !ok {
			errs = append(errs, fmt.Errorf("policy: contradiction for unknown token %q", token))
		}
	}

	if p.ExtraFindingPenalty < 0 || p.ExtraFindingPenalty > 1 {
		errs = append(errs, fmt.Errorf("policy: extra finding penalty %v out of range 0..1", p.ExtraFindingPenalty))
	}
	if p.ConfirmedFloor < 0 || p.ConfirmedFloor > 1 {
		errs = append(errs, fmt.Errorf("policy: confirmed floor %v out of range 0..1", p.ConfirmedFloor))
	}
	if p.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("policy: max body bytes %d must be positive", p.MaxBodyBytes))
	}
	if p.InlineTextMaxBytes <= 0 || p.InlineTextMaxBytes > p.MaxBodyBytes {
		errs = append(errs, fmt.Errorf("policy: inline text max %d must be in 1..%d", p.InlineTextMaxBytes, p.MaxBodyBytes))
	}

	return errors.Join(errs...)
}

// FindingCatalog returns every finding identifier the policy knows about,
// sorted.
func (p *Policy) FindingCatalog() []string {
	seen := make(map[string]struct{})
	for _, fs := range p.Expectations {
		for _, f := range fs {
			seen[f] = struct{}{}
		}
	}
	for _, fs := range p.Contradictions {
		for _, f := range fs {
			seen[f] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

// AllowsBody reports whether bodies of the given content type are kept.
func (p *Policy) AllowsBody(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	for _, pattern := range p.TextContentTypes {
		pattern = strings.ToLower(pattern)
		switch {
		case strings.HasPrefix(pattern, "*+"):
			if strings.HasSuffix(mt, pattern[1:]) {
				return true
			}
		case strings.HasSuffix(pattern, "/*"):
			if strings.HasPrefix(mt, pattern[:len(pattern)-1]) {
				return true
			}
		case mt == pattern:
			return true
		}
	}
	return false
}

// clone deep-copies the tables so the engine's copy cannot be mutated by
// the caller.
func (p Policy) clone() Policy {
	out := p
	out.SeverityLabels = make(map[string]Severity, len(p.SeverityLabels))
	for k, v := range p.SeverityLabels {
		out.SeverityLabels[k] = v
	}
	out.Keywords = slices.Clone(p.Keywords)
	out.Expectations = cloneTable(p.Expectations)
	out.Contradictions = cloneTable(p.Contradictions)
	out.TextContentTypes = slices.Clone(p.TextContentTypes)
	return out
}

func cloneTable(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}
