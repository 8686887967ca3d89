package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/linnemanlabs/sift/internal/signatures"
	"github.com/linnemanlabs/sift/internal/triage"
)

const (
	defaultBodyBytes = 50_000
	maxBodyBytes     = 200_000
)

type idInput struct {
	ID string `json:"id"`
}

func parseIDInput(params json.RawMessage) (idInput, error) {
	var input idInput
	if err := json.Unmarshal(params, &input); err != nil {
		return input, fmt.Errorf("invalid params: %w", err)
	}
	input.ID = strings.TrimSpace(input.ID)
	if input.ID == "" {
		return input, errors.New("id is required")
	}
	return input, nil
}

func load(ctx context.Context, src TransactionSource, id string) (*triage.AnnotatedTransaction, error) {
	at, ok, err := src.GetTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, triage.ErrUnknownTransaction)
	}
	return at, nil
}

// HeadersTool returns request/response metadata for one transaction.
type HeadersTool struct {
	src TransactionSource
}

// NewHeadersTool creates the get_transaction_headers tool.
func NewHeadersTool(src TransactionSource) *HeadersTool {
	return &HeadersTool{src: src}
}

// Name returns the unique name of the tool.
func (h *HeadersTool) Name() string { return "get_transaction_headers" }

// Description returns an llm-friendly description of the tool.
func (h *HeadersTool) Description() string {
	return `Fetch the request line, status code, content type, body sizes and all request/response headers
of one captured HTTP transaction. Use this first to see what kind of resource you are looking at
(script, HTML page, JSON) and whether headers such as Location, Refresh, Set-Cookie or
Content-Security-Policy already show redirect or tracking behavior.`
}

// Parameters returns the JSON schema for the tool input.
func (h *HeadersTool) Parameters() json.RawMessage {
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

// Execute loads the transaction and returns its metadata.
func (h *HeadersTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	input, err := parseIDInput(params)
	if err != nil {
		return nil, err
	}
	at, err := load(ctx, h.src, input.ID)
	if err != nil {
		return nil, err
	}
	tx := at.Transaction
	output := map[string]any{
		"id":                 tx.ID,
		"method":             tx.Method,
		"url":                tx.URL,
		"host":               tx.Host,
		"status_code":        tx.StatusCode,
		"content_type":       tx.ContentType,
		"content_length":     tx.ContentLength,
		"request_headers":    tx.RequestHeaders,
		"response_headers":   tx.ResponseHeaders,
		"request_body_size":  bodySize(tx.RequestBody),
		"response_body_size": bodySize(tx.ResponseBody),
	}
	return json.Marshal(output)
}

func bodySize(b *triage.Body) int {
	if b == nil {
		return 0
	}
	return b.Size
}

// BodyTool returns a transaction body, optionally condensed.
type BodyTool struct {
	src TransactionSource
}

// NewBodyTool creates the get_transaction_body tool.
func NewBodyTool(src TransactionSource) *BodyTool {
	return &BodyTool{src: src}
}

type bodyInput struct {
	ID           string `json:"id"`
	Part         string `json:"part,omitempty"`
	SmartExtract bool   `json:"smart_extract,omitempty"`
	MaxBytes     int    `json:"max_bytes,omitempty"`
}

func parseBodyInput(params json.RawMessage) (bodyInput, error) {
	var input bodyInput
	if err := json.Unmarshal(params, &input); err != nil {
		return input, fmt.Errorf("invalid params: %w", err)
	}
	input.ID = strings.TrimSpace(input.ID)
	if input.ID == "" {
		return input, errors.New("id is required")
	}
	switch input.Part {
	case "":
		input.Part = "response"
	case "request", "response":
	default:
		return input, fmt.Errorf("part must be request or response, got %q", input.Part)
	}
	switch {
	case input.MaxBytes <= 0:
		input.MaxBytes = defaultBodyBytes
	case input.MaxBytes > maxBodyBytes:
		input.MaxBytes = maxBodyBytes
	}
	return input, nil
}

// Name returns the unique name of the tool.
func (b *BodyTool) Name() string { return "get_transaction_body" }

// Description returns an llm-friendly description of the tool.
func (b *BodyTool) Description() string {
	return `Fetch the request or response body of one captured HTTP transaction as text.
Bodies are truncated to max_bytes (default 50000). For large or minified JavaScript set
smart_extract=true: you then get the first 8KB, the last 4KB and every line in between that matches
a known suspicious pattern, with line numbers, which is usually enough to judge behavior.
Binary bodies are returned base64 encoded.`
}

// Parameters returns the JSON schema for the tool input.
func (b *BodyTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "id": {
                "type": "string",
                "description": "Transaction ID."
            },
            "part": {
                "type": "string",
                "enum": ["request", "response"],
                "description": "Which body to fetch. Defaults to response."
            },
            "smart_extract": {
                "type": "boolean",
                "description": "Return head, tail and suspicious lines instead of the raw prefix."
            },
            "max_bytes": {
                "type": "integer",
                "description": "Maximum bytes of raw body to return. Default 50000, max 200000."
            }
        },
        "required": ["id"]
    }`)
}

// Execute loads the body and returns it raw, truncated, or condensed.
func (b *BodyTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	input, err := parseBodyInput(params)
	if err != nil {
		return nil, err
	}
	at, err := load(ctx, b.src, input.ID)
	if err != nil {
		return nil, err
	}

	body := at.Transaction.ResponseBody
	if input.Part == "request" {
		body = at.Transaction.RequestBody
	}
	output := map[string]any{"id": input.ID, "part": input.Part}
	switch {
	case body == nil:
		output["available"] = false
		output["reason"] = "no body captured for this content type"
		return json.Marshal(output)
	case body.Omitted:
		output["available"] = false
		output["reason"] = fmt.Sprintf("body of %d bytes exceeded the capture limit", body.Size)
		return json.Marshal(output)
	}

	raw, err := body.Bytes()
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	output["available"] = true
	output["size"] = len(raw)

	if !utf8.Valid(raw) {
		output["encoding"] = "base64"
		output["data"] = base64.StdEncoding.EncodeToString(raw[:min(len(raw), input.MaxBytes)])
		output["truncated"] = len(raw) > input.MaxBytes
		return json.Marshal(output)
	}

	// Large scripts are condensed even when not asked for; a raw prefix of
	// minified code rarely shows the payload.
	if input.SmartExtract || (len(raw) > defaultBodyBytes && isScript(at.Transaction.ContentType)) {
		output["extraction"] = signatures.Extract(raw)
		return json.Marshal(output)
	}
	cut := min(len(raw), input.MaxBytes)
	for cut > 0 && cut < len(raw) && !utf8.RuneStart(raw[cut]) {
		cut--
	}
	output["text"] = string(raw[:cut])
	output["truncated"] = cut < len(raw)
	return json.Marshal(output)
}

func isScript(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "javascript") || strings.Contains(ct, "ecmascript")
}
