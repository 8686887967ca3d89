package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/linnemanlabs/sift/internal/signatures"
	"github.com/linnemanlabs/sift/internal/triage"
)

// ScanTool runs the signature catalog over both bodies of a transaction.
type ScanTool struct {
	src TransactionSource
}

// NewScanTool creates the scan_patterns tool.
func NewScanTool(src TransactionSource) *ScanTool {
	return &ScanTool{src: src}
}

// Name returns the unique name of the tool.
func (s *ScanTool) Name() string { return "scan_patterns" }

// Description returns an llm-friendly description of the tool.
func (s *ScanTool) Description() string {
	return `Run the built-in suspicious-pattern signatures (eval, new Function, hex/unicode escapes,
string-array obfuscation, location redirects, meta refresh, hidden iframes, script injection,
referrer checks, localStorage/cookie counters, anti-debugging, overlays, credential forms,
cryptominers) over the request and response bodies of one transaction.
Returns each matching signature with its finding name, hit count and first byte offset,
plus the behavioral findings those matches imply. Cheap; call it before reading a large body.`
}

// Parameters returns the JSON schema for the tool input.
func (s *ScanTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "id": {
                "type": "string",
                "description": "Transaction ID."
            }
        },
        "required": ["id"]
    }`)
}

// Execute scans the stored bodies.
func (s *ScanTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	input, err := parseIDInput(params)
	if err != nil {
		return nil, err
	}
	at, err := load(ctx, s.src, input.ID)
	if err != nil {
		return nil, err
	}

	output := map[string]any{"id": input.ID}
	var all []signatures.Match
	parts := []struct {
		name string
		body *triage.Body
	}{
		{"request", at.Transaction.RequestBody},
		{"response", at.Transaction.ResponseBody},
	}
	for _, p := range parts {
		raw, err := p.body.Bytes()
		if err != nil {
			return nil, fmt.Errorf("%s body: %w", p.name, err)
		}
		if raw == nil {
			continue
		}
		m := signatures.Scan(raw)
		output[p.name+"_matches"] = m
		all = append(all, m...)
	}
	output["findings"] = signatures.FindingsOf(all)
	return json.Marshal(output)
}
