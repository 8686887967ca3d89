// Package policy loads triage tables from YAML and merges them over the
// built-in defaults.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/sift/internal/triage"
)

// File is the on-disk shape of a policy override. Absent fields keep the
// default; map entries override per key.
type File struct {
	// SeverityLabels maps a leading label to a severity name.
	SeverityLabels map[string]string `yaml:"severity_labels"`

	Keywords []triage.KeywordRule `yaml:"keywords"`
	// ReplaceKeywords drops the default keyword rules instead of appending.
	ReplaceKeywords bool `yaml:"replace_keywords"`

	Expectations   map[string][]string `yaml:"expectations"`
	Contradictions map[string][]string `yaml:"contradictions"`

	ExtraFindingPenalty *float64 `yaml:"extra_finding_penalty"`
	ConfirmedFloor      *float64 `yaml:"confirmed_floor"`
	MaxBodyBytes        *int     `yaml:"max_body_bytes"`
	InlineTextMaxBytes  *int     `yaml:"inline_text_max_bytes"`

	// TextContentTypes replaces the body allow-list when non-empty.
	TextContentTypes []string `yaml:"text_content_types"`
}

// Load reads path and returns the merged, validated policy. An empty path
// returns the defaults.
func Load(path string) (triage.Policy, error) {
	if path == "" {
		return triage.DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return triage.Policy{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return triage.Policy{}, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes YAML and merges it over triage.DefaultPolicy. Unknown keys
// are rejected so a typo does not silently keep a default.
func Parse(data []byte) (triage.Policy, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return triage.Policy{}, fmt.Errorf("parse: %w", err)
	}

	p := triage.DefaultPolicy()
	if err := f.apply(&p); err != nil {
		return triage.Policy{}, err
	}
	if err := p.Validate(); err != nil {
		return triage.Policy{}, err
	}
	return p, nil
}

func (f *File) apply(p *triage.Policy) error {
	for label, name := range f.SeverityLabels {
		sev, ok := triage.ParseSeverity(name)
		if !ok {
			return fmt.Errorf("severity label %q: unknown severity %q", label, name)
		}
		p.SeverityLabels[strings.ToLower(strings.TrimSpace(label))] = sev
	}

	if f.ReplaceKeywords {
		p.Keywords = nil
	}
	p.Keywords = append(p.Keywords, f.Keywords...)

	for token, findings := range f.Expectations {
		p.Expectations[token] = findings
	}
	for token, findings := range f.Contradictions {
		p.Contradictions[token] = findings
	}

	if f.ExtraFindingPenalty != nil {
		p.ExtraFindingPenalty = *f.ExtraFindingPenalty
	}
	if f.ConfirmedFloor != nil {
		p.ConfirmedFloor = *f.ConfirmedFloor
	}
	if f.MaxBodyBytes != nil {
		p.MaxBodyBytes = *f.MaxBodyBytes
	}
	if f.InlineTextMaxBytes != nil {
		p.InlineTextMaxBytes = *f.InlineTextMaxBytes
	}
	if len(f.TextContentTypes) > 0 {
		p.TextContentTypes = f.TextContentTypes
	}
	return nil
}
