// Package signatures holds the static body pattern catalog used by the local
// behavioral classifier and the investigation tools.
package signatures

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
)

// Finding identifiers emitted by Scan. The first group matches the default
// triage policy's expectation tables; the rest are observed-only.
const (
	FindingEval           = "eval-or-function-constructor-detected"
	FindingObfuscated     = "obfuscated-script-detected"
	FindingStringArray    = "string-array-encoding-detected"
	FindingNavigation     = "navigation-api-usage-detected"
	FindingMetaRefresh    = "meta-refresh-detected"
	FindingMalware        = "malware-signature-detected"
	FindingPluginProbe    = "plugin-detection-probe-detected"
	FindingIframe         = "iframe-injection-detected"
	FindingCredentialForm = "credential-form-detected"
	FindingCryptominer    = "cryptominer-script-detected"

	FindingReferrerCheck  = "referrer-check-detected"
	FindingStorageCounter = "storage-persistence-detected"
	FindingAntiDebug      = "anti-debugging-detected"
	FindingOverlay        = "overlay-hijack-detected"
	FindingScriptInject   = "script-injection-detected"
)

// Benign findings emitted when a scanned body shows none of the matching
// positive patterns.
const (
	BenignNoDynamicCode = "no-dynamic-code-execution"
	BenignPlainSource   = "plain-readable-source"
	BenignNoNavigation  = "no-navigation-api-usage"
	BenignNoIframe      = "no-iframe-insertion"
	BenignNoCredentials = "no-credential-inputs"
)

// Signature is one named pattern that evidences a finding.
type Signature struct {
	Name    string
	Finding string
	Pattern *regexp.Regexp
}

var catalog = []Signature{
	{"eval-call", FindingEval, regexp.MustCompile(`\beval\s*\(`)},
	{"new-function", FindingEval, regexp.MustCompile(`\bnew\s+Function\s*\(`)},
	{"string-timer", FindingEval, regexp.MustCompile(`\bset(?:Timeout|Interval)\s*\(\s*['"]`)},

	{"hex-escapes", FindingObfuscated, regexp.MustCompile(`(?:\\x[0-9a-fA-F]{2}){8,}`)},
	{"unicode-escapes", FindingObfuscated, regexp.MustCompile(`(?:\\u[0-9a-fA-F]{4}){6,}`)},
	{"packer", FindingObfuscated, regexp.MustCompile(`eval\(function\(p,a,c,k,e,[rd]\)`)},
	{"hex-identifiers", FindingObfuscated, regexp.MustCompile(`\b_0x[0-9a-fA-F]{4,}\b`)},
	{"atob-blob", FindingObfuscated, regexp.MustCompile(`\batob\s*\(\s*['"][A-Za-z0-9+/=]{40,}`)},
	{"charcode-chain", FindingObfuscated, regexp.MustCompile(`String\.fromCharCode\s*\((?:\s*\d+\s*,){10,}`)},

	{"string-array", FindingStringArray, regexp.MustCompile(`\bvar\s+_0x[0-9a-fA-F]+\s*=\s*\[`)},

	{"location-assign", FindingNavigation, regexp.MustCompile(`\b(?:window|document|top|self|parent)\.location(?:\.href)?\s*=[^=]`)},
	{"location-call", FindingNavigation, regexp.MustCompile(`\blocation\.(?:replace|assign)\s*\(`)},
	{"window-open", FindingNavigation, regexp.MustCompile(`\bwindow\.open\s*\(`)},

	{"meta-refresh", FindingMetaRefresh, regexp.MustCompile(`(?i)<meta[^>]+http-equiv\s*=\s*["']?refresh`)},

	{"heap-spray", FindingMalware, regexp.MustCompile(`(?i)(?:%u9090){2,}|unescape\s*\(\s*['"]%u[0-9a-f]{4}`)},
	{"shellcode", FindingMalware, regexp.MustCompile(`(?i)\bshellcode\b`)},
	{"cve-reference", FindingMalware, regexp.MustCompile(`\bCVE-\d{4}-\d{4,}\b`)},

	{"plugin-enum", FindingPluginProbe, regexp.MustCompile(`\bnavigator\.(?:plugins|mimeTypes)\b`)},
	{"activex", FindingPluginProbe, regexp.MustCompile(`(?i)\bnew\s+ActiveXObject\s*\(`)},
	{"plugin-names", FindingPluginProbe, regexp.MustCompile(`(?i)\b(?:ShockwaveFlash|AcroPDF|QuickTime|Silverlight)\b`)},

	{"create-iframe", FindingIframe, regexp.MustCompile(`(?i)createElement\s*\(\s*['"]iframe['"]`)},
	{"hidden-iframe", FindingIframe, regexp.MustCompile(`(?i)<iframe[^>]*(?:width|height)\s*=\s*["']?[01]["'\s>]`)},
	{"write-iframe", FindingIframe, regexp.MustCompile(`(?i)document\.write(?:ln)?\s*\([^)]*<iframe`)},

	{"password-input", FindingCredentialForm, regexp.MustCompile(`(?i)<input[^>]+type\s*=\s*["']?password`)},

	{"miner-lib", FindingCryptominer, regexp.MustCompile(`(?i)\b(?:coinhive|cryptonight|coinimp|cryptoloot)\b`)},
	{"stratum", FindingCryptominer, regexp.MustCompile(`stratum\+tcp://`)},

	{"referrer", FindingReferrerCheck, regexp.MustCompile(`\bdocument\.referrer\b`)},
	{"storage", FindingStorageCounter, regexp.MustCompile(`\b(?:localStorage|sessionStorage)\.(?:setItem|getItem)\s*\(|\bdocument\.cookie\s*=[^=]`)},
	{"debugger", FindingAntiDebug, regexp.MustCompile(`\bdebugger\s*;`)},
	{"overlay", FindingOverlay, regexp.MustCompile(`(?i)position\s*:\s*fixed[^}]{0,200}z-index\s*:\s*\d{4,}`)},
	{"create-script", FindingScriptInject, regexp.MustCompile(`(?i)createElement\s*\(\s*['"]script['"]`)},
}

// benignPairs maps a benign finding to the positive findings whose absence
// supports it.
var benignPairs = []struct {
	benign    string
	positives []string
}{
	{BenignNoDynamicCode, []string{FindingEval}},
	{BenignPlainSource, []string{FindingObfuscated, FindingStringArray}},
	{BenignNoNavigation, []string{FindingNavigation, FindingMetaRefresh}},
	{BenignNoIframe, []string{FindingIframe}},
	{BenignNoCredentials, []string{FindingCredentialForm}},
}

// Catalog returns the signature table. The slice is a copy.
func Catalog() []Signature {
	return slices.Clone(catalog)
}

// Findings returns every finding identifier Scan or Absent can emit, sorted.
func Findings() []string {
	var out []string
	for _, s := range catalog {
		out = append(out, s.Finding)
	}
	for _, p := range benignPairs {
		out = append(out, p.benign)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Match is one signature hit in a body.
type Match struct {
	Signature   string `json:"signature"`
	Finding     string `json:"finding"`
	Count       int    `json:"count"`
	FirstOffset int    `json:"first_offset"`
}

// Scan runs every signature over body. Matches are ordered by finding, then
// signature name.
func Scan(body []byte) []Match {
	var out []Match
	for _, s := range catalog {
		locs := s.Pattern.FindAllIndex(body, -1)
		if len(locs) == 0 {
			continue
		}
		out = append(out, Match{
			Signature:   s.Name,
			Finding:     s.Finding,
			Count:       len(locs),
			FirstOffset: locs[0][0],
		})
	}
	slices.SortFunc(out, func(a, b Match) int {
		return cmp.Or(strings.Compare(a.Finding, b.Finding), strings.Compare(a.Signature, b.Signature))
	})
	return out
}

// FindingsOf collapses matches into sorted, distinct finding identifiers.
func FindingsOf(matches []Match) []string {
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Finding)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Absent returns the benign findings supported by found, i.e. those whose
// positive counterparts were all missing.
func Absent(found []string) []string {
	var out []string
	for _, p := range benignPairs {
		hit := false
		for _, f := range p.positives {
			if slices.Contains(found, f) {
				hit = true
				break
			}
		}
		if !hit {
			out = append(out, p.benign)
		}
	}
	slices.Sort(out)
	return out
}
