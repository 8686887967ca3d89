package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/linnemanlabs/sift/internal/signatures"
	"github.com/linnemanlabs/sift/internal/triage"
)

type fakeSource struct {
	txs map[string]*triage.AnnotatedTransaction
	err error
}

func (f *fakeSource) GetTransaction(_ context.Context, id string) (*triage.AnnotatedTransaction, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	at, ok := f.txs[id]
	return at, ok, nil
}

type fakeHosts struct {
	gotHost  string
	gotLimit int
	out      []triage.FlaggedTransaction
}

func (f *fakeHosts) HostTransactions(host string, limit int) []triage.FlaggedTransaction {
	f.gotHost, f.gotLimit = host, limit
	return f.out
}

func textBody(s string) *triage.Body {
	return &triage.Body{Encoding: triage.EncodingText, Data: s, Size: len(s)}
}

func source(bodies map[string]*triage.Body) *fakeSource {
	src := &fakeSource{txs: make(map[string]*triage.AnnotatedTransaction)}
	for id, b := range bodies {
		src.txs[id] = &triage.AnnotatedTransaction{
			Transaction: &triage.Transaction{
				ID:              id,
				Method:          "GET",
				URL:             "http://cdn.example.com/" + id,
				Host:            "cdn.example.com",
				StatusCode:      200,
				ContentType:     "application/javascript",
				ResponseHeaders: triage.NewHeaders(map[string]string{"Content-Type": "application/javascript"}),
				ResponseBody:    b,
			},
		}
	}
	return src
}

func execute(t *testing.T, tool Tool, params string) map[string]any {
	t.Helper()
	raw, err := tool.Execute(context.Background(), json.RawMessage(params))
	if err != nil {
		t.Fatalf("Execute(%s): %v", params, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	return out
}

func TestInputValidation(t *testing.T) {
	t.Parallel()

	src := source(map[string]*triage.Body{"a": textBody("x")})
	tests := []struct {
		name    string
		tool    Tool
		params  string
		wantErr string
	}{
		{"headers bad json", NewHeadersTool(src), `not json`, "invalid params"},
		{"headers missing id", NewHeadersTool(src), `{}`, "id is required"},
		{"headers blank id", NewHeadersTool(src), `{"id":"  "}`, "id is required"},
		{"headers unknown id", NewHeadersTool(src), `{"id":"nope"}`, "unknown transaction"},
		{"body bad part", NewBodyTool(src), `{"id":"a","part":"both"}`, "part must be"},
		{"body missing id", NewBodyTool(src), `{"part":"request"}`, "id is required"},
		{"scan missing id", NewScanTool(src), `{}`, "id is required"},
		{"host missing", NewHostTransactionsTool(&fakeHosts{}), `{"limit":3}`, "host is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := tt.tool.Execute(context.Background(), json.RawMessage(tt.params))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestHeadersTool(t *testing.T) {
	t.Parallel()

	out := execute(t, NewHeadersTool(source(map[string]*triage.Body{"a": textBody("hello")})), `{"id":"a"}`)
	if out["status_code"] != float64(200) {
		t.Errorf("status_code = %v", out["status_code"])
	}
	if out["response_body_size"] != float64(5) {
		t.Errorf("response_body_size = %v, want 5", out["response_body_size"])
	}
	if out["request_body_size"] != float64(0) {
		t.Errorf("request_body_size = %v, want 0", out["request_body_size"])
	}
	hdrs, _ := out["response_headers"].(map[string]any)
	if len(hdrs) != 1 {
		t.Errorf("response_headers = %v", out["response_headers"])
	}
}

func TestHeadersTool_SourceError(t *testing.T) {
	t.Parallel()

	boom := errors.New("db down")
	_, err := NewHeadersTool(&fakeSource{err: boom}).Execute(context.Background(), json.RawMessage(`{"id":"a"}`))
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapping %v", err, boom)
	}
}

func TestBodyTool(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("var a = 1;\n", 6000) + "eval(x);\n" + strings.Repeat("var b = 2;\n", 6000)
	src := source(map[string]*triage.Body{
		"small":   textBody("document.write('hi');"),
		"big":     textBody(big),
		"omitted": {Size: 9 << 20, Omitted: true},
		"binary":  {Encoding: triage.EncodingBase64, Data: "AP/+", Size: 3},
		"none":    nil,
	})
	tool := NewBodyTool(src)

	t.Run("raw", func(t *testing.T) {
		t.Parallel()
		out := execute(t, tool, `{"id":"small"}`)
		if out["text"] != "document.write('hi');" || out["truncated"] != false {
			t.Errorf("out = %v", out)
		}
	})
	t.Run("truncated", func(t *testing.T) {
		t.Parallel()
		out := execute(t, tool, `{"id":"small","max_bytes":8}`)
		if out["text"] != "document" || out["truncated"] != true {
			t.Errorf("out = %v", out)
		}
	})
	t.Run("large script is condensed", func(t *testing.T) {
		t.Parallel()
		out := execute(t, tool, `{"id":"big"}`)
		ext, ok := out["extraction"].(map[string]any)
		if !ok {
			t.Fatalf("expected extraction, got %v", out)
		}
		found, _ := ext["patterns_found"].([]any)
		if len(found) == 0 {
			t.Errorf("patterns_found empty: %v", ext)
		}
		if _, raw := out["text"]; raw {
			t.Error("raw text returned alongside extraction")
		}
	})
	t.Run("smart extract on request", func(t *testing.T) {
		t.Parallel()
		out := execute(t, tool, `{"id":"small","smart_extract":true}`)
		ext, _ := out["extraction"].(map[string]any)
		if ext["complete"] != true {
			t.Errorf("small body extraction should be complete: %v", ext)
		}
	})
	t.Run("omitted", func(t *testing.T) {
		t.Parallel()
		out := execute(t, tool, `{"id":"omitted"}`)
		if out["available"] != false || !strings.Contains(out["reason"].(string), "capture limit") {
			t.Errorf("out = %v", out)
		}
	})
	t.Run("missing body", func(t *testing.T) {
		t.Parallel()
		out := execute(t, tool, `{"id":"none"}`)
		if out["available"] != false {
			t.Errorf("out = %v", out)
		}
	})
	t.Run("request part absent", func(t *testing.T) {
		t.Parallel()
		out := execute(t, tool, `{"id":"small","part":"request"}`)
		if out["available"] != false || out["part"] != "request" {
			t.Errorf("out = %v", out)
		}
	})
	t.Run("binary", func(t *testing.T) {
		t.Parallel()
		out := execute(t, tool, `{"id":"binary"}`)
		if out["encoding"] != "base64" || out["data"] != "AP/+" {
			t.Errorf("out = %v", out)
		}
	})
}

func TestParseBodyInput_Limits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		params string
		want   int
	}{
		{`{"id":"a"}`, defaultBodyBytes},
		{`{"id":"a","max_bytes":-5}`, defaultBodyBytes},
		{`{"id":"a","max_bytes":1000}`, 1000},
		{`{"id":"a","max_bytes":99999999}`, maxBodyBytes},
	}
	for _, tt := range tests {
		in, err := parseBodyInput(json.RawMessage(tt.params))
		if err != nil {
			t.Fatalf("parseBodyInput(%s): %v", tt.params, err)
		}
		if in.MaxBytes != tt.want {
			t.Errorf("parseBodyInput(%s).MaxBytes = %d, want %d", tt.params, in.MaxBytes, tt.want)
		}
		if in.Part != "response" {
			t.Errorf("default part = %q, want response", in.Part)
		}
	}
}

func TestScanTool(t *testing.T) {
	t.Parallel()

	src := source(map[string]*triage.Body{
		"evil":  textBody(`window.location.href = "http://x"; eval(atob(p));`),
		"clean": textBody(`console.log("ok");`),
	})
	src.txs["evil"].Transaction.RequestBody = textBody("q=1")

	out := execute(t, NewScanTool(src), `{"id":"evil"}`)
	findings, _ := out["findings"].([]any)
	got := map[string]bool{}
	for _, f := range findings {
		got[f.(string)] = true
	}
	if !got[signatures.FindingEval] || !got[signatures.FindingNavigation] {
		t.Errorf("findings = %v", findings)
	}
	if _, ok := out["request_matches"]; !ok {
		t.Error("request body not scanned")
	}

	out = execute(t, NewScanTool(src), `{"id":"clean"}`)
	if findings, _ := out["findings"].([]any); len(findings) != 0 {
		t.Errorf("clean findings = %v", findings)
	}
}

func TestHostTransactionsTool(t *testing.T) {
	t.Parallel()

	hosts := &fakeHosts{out: []triage.FlaggedTransaction{
		{Transaction: triage.TransactionSummary{ID: "t1", Host: "cdn.example.com"}},
	}}
	out := execute(t, NewHostTransactionsTool(hosts), `{"host":" CDN.example.com ","limit":500}`)
	if hosts.gotHost != "cdn.example.com" {
		t.Errorf("host = %q, want normalized", hosts.gotHost)
	}
	if hosts.gotLimit != maxHostLimit {
		t.Errorf("limit = %d, want clamp to %d", hosts.gotLimit, maxHostLimit)
	}
	if out["count"] != float64(1) {
		t.Errorf("count = %v", out["count"])
	}

	_ = execute(t, NewHostTransactionsTool(hosts), `{"host":"a"}`)
	if hosts.gotLimit != defaultHostLimit {
		t.Errorf("default limit = %d, want %d", hosts.gotLimit, defaultHostLimit)
	}
}

func FuzzBodyExecute(f *testing.F) {
	tool := NewBodyTool(source(map[string]*triage.Body{"a": textBody("eval(1);\nvar x = 'é';")}))

	f.Add(`{"id":"a"}`)
	f.Add(`{"id":"a","max_bytes":13}`)
	f.Add(`{"id":"a","smart_extract":true}`)
	f.Add(`{"id":"a","part":"request"}`)
	f.Add(`{}`)
	f.Add(`not json`)
	f.Add(string([]byte{0x00, 0xff, 0xfe}))

	f.Fuzz(func(_ *testing.T, params string) {
		// Must not panic
		_, _ = tool.Execute(context.Background(), json.RawMessage(params))
	})
}
