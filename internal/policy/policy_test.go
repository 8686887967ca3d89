package policy

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/linnemanlabs/sift/internal/triage"
)

func TestParse_Empty(t *testing.T) {
	t.Parallel()

	p, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	def := triage.DefaultPolicy()
	if len(p.Keywords) != len(def.Keywords) || p.MaxBodyBytes != def.MaxBodyBytes {
		t.Error("empty file should yield the defaults")
	}
}

func TestParse_Merge(t *testing.T) {
	t.Parallel()

	p, err := Parse([]byte(`
severity_labels:
  Severe: high
  medium: low
keywords:
  - keyword: skimmer
    token: card-skimming
expectations:
  card-skimming: [credential-form-detected, script-injection-detected]
contradictions:
  card-skimming: [no-credential-inputs]
confirmed_floor: 0.6
max_body_bytes: 1048576
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if p.SeverityLabels["severe"] != triage.SeverityHigh {
		t.Errorf("severe = %v, want High", p.SeverityLabels["severe"])
	}
	if p.SeverityLabels["medium"] != triage.SeverityLow {
		t.Errorf("medium override = %v, want Low", p.SeverityLabels["medium"])
	}
	if p.SeverityLabels["critical"] != triage.SeverityCritical {
		t.Error("default label lost")
	}

	last := p.Keywords[len(p.Keywords)-1]
	if last.Token != "card-skimming" || len(p.Keywords) != len(triage.DefaultPolicy().Keywords)+1 {
		t.Errorf("keywords not appended: %v", p.Keywords)
	}
	if !slices.Contains(p.FindingCatalog(), "script-injection-detected") {
		t.Error("new expectation not in catalog")
	}
	if len(p.Expectations["redirect"]) == 0 {
		t.Error("default expectation lost")
	}
	if p.ConfirmedFloor != 0.6 || p.MaxBodyBytes != 1<<20 {
		t.Errorf("scalars = %v/%d", p.ConfirmedFloor, p.MaxBodyBytes)
	}
	if p.ExtraFindingPenalty != triage.DefaultPolicy().ExtraFindingPenalty {
		t.Error("unset scalar changed")
	}
}

func TestParse_ReplaceKeywords(t *testing.T) {
	t.Parallel()

	p, err := Parse([]byte(`
replace_keywords: true
keywords:
  - {keyword: eval, token: dynamic-code-execution}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.Keywords) != 1 {
		t.Errorf("keywords = %v, want only the file's rule", p.Keywords)
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"unknown key", "confirmed_flor: 0.5", "confirmed_flor"},
		{"bad severity", "severity_labels: {sev: extreme}", "unknown severity"},
		{"token without expectations", "keywords: [{keyword: x, token: orphan}]", "orphan"},
		{"floor out of range", "confirmed_floor: 1.5", "confirmed floor"},
		{"inline above max", "inline_text_max_bytes: 99999999", "inline text max"},
		{"malformed", "keywords: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	p, err := Load("")
	if err != nil || len(p.Keywords) == 0 {
		t.Fatalf("Load(\"\") = %v, %v", p.Keywords, err)
	}

	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("text_content_types: [text/html]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !slices.Equal(p.TextContentTypes, []string{"text/html"}) {
		t.Errorf("TextContentTypes = %v", p.TextContentTypes)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
