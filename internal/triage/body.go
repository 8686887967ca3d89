package triage

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"
)

// BodyEncoding names how Body.Data is represented.
type BodyEncoding string

const (
	EncodingText   BodyEncoding = "text"
	EncodingBase64 BodyEncoding = "base64"
)

// Body is a stored request or response payload. When Omitted is set the
// payload exceeded the size limit and Data is empty; Size still reports the
// original length.
type Body struct {
	Encoding BodyEncoding `json:"encoding,omitempty"`
	Data     string       `json:"data,omitempty"`
	Size     int          `json:"size"`
	Omitted  bool         `json:"omitted,omitempty"`
}

// Bytes returns the original payload bytes.
func (b *Body) Bytes() ([]byte, error) {
	if b == nil || b.Omitted {
		return nil, nil
	}
	switch b.Encoding {
	case EncodingBase64:
		out, err := base64.StdEncoding.DecodeString(b.Data)
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		return out, nil
	case EncodingText, "":
		return []byte(b.Data), nil
	default:
		return nil, fmt.Errorf("decode body: unknown encoding %q", b.Encoding)
	}
}

// encodeBody applies the size and representation rules to raw payload bytes.
func encodeBody(raw []byte, p *Policy) *Body {
	if raw == nil {
		return nil
	}
	if len(raw) > p.MaxBodyBytes {
		return &Body{Size: len(raw), Omitted: true}
	}
	if len(raw) < p.InlineTextMaxBytes && utf8.Valid(raw) {
		return &Body{Encoding: EncodingText, Data: string(raw), Size: len(raw)}
	}
	return &Body{Encoding: EncodingBase64, Data: base64.StdEncoding.EncodeToString(raw), Size: len(raw)}
}

// decodeSubmittedBody turns the wire form of a body into raw bytes.
func decodeSubmittedBody(field string, data *string, encoding string) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	switch BodyEncoding(strings.ToLower(encoding)) {
	case EncodingBase64:
		raw, err := base64.StdEncoding.DecodeString(*data)
		if err != nil {
			return nil, invalid(field, "malformed base64: %v", err)
		}
		return raw, nil
	default:
		return []byte(*data), nil
	}
}

// applyBodyPolicy stores the decoded payloads on t. Bodies of content types
// outside the allow-list are not kept.
func applyBodyPolicy(t *Transaction, req, resp []byte, p *Policy) {
	if !p.AllowsBody(t.ContentType) {
		return
	}
	t.RequestBody = encodeBody(req, p)
	t.ResponseBody = encodeBody(resp, p)
}
