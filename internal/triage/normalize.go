package triage

import (
	"bytes"
	"encoding/json"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Submission is a raw transaction record as posted by the capture side.
// The scanner annotation may appear in any of the candidate fields.
type Submission struct {
	ID                   string            `json:"id"`
	Timestamp            time.Time         `json:"timestamp,omitempty"`
	Method               string            `json:"method"`
	URL                  string            `json:"url"`
	Host                 string            `json:"host"`
	StatusCode           json.RawMessage   `json:"statusCode"`
	ContentType          string            `json:"contentType"`
	ContentLength        int64             `json:"contentLength"`
	RequestHeaders       map[string]string `json:"requestHeaders,omitempty"`
	ResponseHeaders      map[string]string `json:"responseHeaders,omitempty"`
	RequestBody          *string           `json:"requestBody,omitempty"`
	RequestBodyEncoding  string            `json:"requestBodyEncoding,omitempty"`
	ResponseBody         *string           `json:"responseBody,omitempty"`
	ResponseBodyEncoding string            `json:"responseBodyEncoding,omitempty"`

	EKFiddleComments string `json:"ekfiddleComments,omitempty"`
	SessionFlags     string `json:"sessionFlags,omitempty"`
	EKFiddleFlags    string `json:"ekfiddleFlags,omitempty"`
}

// annotationSource is one candidate location for the scanner annotation.
type annotationSource struct {
	name string
	get  func(*Submission) string
}

// annotationSources is ordered most authoritative first.
var annotationSources = []annotationSource{
	{name: "ekfiddle_comments", get: func(s *Submission) string { return s.EKFiddleComments }},
	{name: "session_flags", get: func(s *Submission) string { return s.SessionFlags }},
	{name: "ekfiddle_flags", get: func(s *Submission) string { return s.EKFiddleFlags }},
}

// Normalize returns the first non-empty trimmed annotation candidate and the
// name of the field it came from. Both are empty when no candidate is set.
func Normalize(s *Submission) (annotation, source string) {
	for _, src := range annotationSources {
		if v := strings.TrimSpace(src.get(s)); v != "" {
			return v, src.name
		}
	}
	return "", ""
}

// validated is a submission that passed the ingestion boundary checks.
type validated struct {
	sub        *Submission
	host       string
	statusCode int
	reqBody    []byte
	respBody   []byte
}

func validateSubmission(s *Submission) (*validated, error) {
	if s == nil {
		return nil, invalid("submission", "empty")
	}
	if strings.TrimSpace(s.ID) == "" {
		return nil, invalid("id", "required")
	}

	code, err := parseStatusCode(s.StatusCode)
	if err != nil {
		return nil, err
	}

	if s.ContentLength < 0 {
		return nil, invalid("contentLength", "must not be negative")
	}

	host := normalizeHost(s.Host)
	if host == "" && s.URL != "" {
		if u, err := url.Parse(s.URL); err == nil {
			host = normalizeHost(u.Host)
		}
	}
	if host == "" {
		return nil, invalid("host", "required (directly or via url)")
	}

	for _, enc := range []struct{ field, value string }{
		{"requestBodyEncoding", s.RequestBodyEncoding},
		{"responseBodyEncoding", s.ResponseBodyEncoding},
	} {
		switch BodyEncoding(strings.ToLower(enc.value)) {
		case "", EncodingText, EncodingBase64:
		default:
			return nil, invalid(enc.field, "unsupported encoding %q", enc.value)
		}
	}

	req, err := decodeSubmittedBody("requestBody", s.RequestBody, s.RequestBodyEncoding)
	if err != nil {
		return nil, err
	}
	resp, err := decodeSubmittedBody("responseBody", s.ResponseBody, s.ResponseBodyEncoding)
	if err != nil {
		return nil, err
	}

	return &validated{sub: s, host: host, statusCode: code, reqBody: req, respBody: resp}, nil
}

// transaction builds the stored snapshot without bodies. receivedAt stands in
// for a missing timestamp.
func (v *validated) transaction(receivedAt time.Time) *Transaction {
	s := v.sub
	ts := s.Timestamp
	if ts.IsZero() {
		ts = receivedAt
	}
	annotation, source := Normalize(s)
	return &Transaction{
		ID:               strings.TrimSpace(s.ID),
		Timestamp:        ts.UTC(),
		Method:           strings.ToUpper(strings.TrimSpace(s.Method)),
		URL:              s.URL,
		Host:             v.host,
		StatusCode:       v.statusCode,
		ContentType:      strings.TrimSpace(s.ContentType),
		ContentLength:    s.ContentLength,
		RequestHeaders:   NewHeaders(s.RequestHeaders),
		ResponseHeaders:  NewHeaders(s.ResponseHeaders),
		RawAnnotation:    annotation,
		AnnotationSource: source,
	}
}

// parseStatusCode accepts a JSON number or a numeric JSON string.
func parseStatusCode(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, invalid("statusCode", "required")
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, invalid("statusCode", "malformed string")
		}
	}
	code, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, invalid("statusCode", "not numeric: %q", text)
	}
	if code < 0 || code > 999 {
		return 0, invalid("statusCode", "out of range: %d", code)
	}
	return code, nil
}

// normalizeHost lowercases and strips any port and trailing dot.
func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if h == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	return strings.TrimSuffix(h, ".")
}
