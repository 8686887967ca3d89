package triage

import (
	"bytes"
	"strings"
	"testing"
)

func TestBody_TextRoundTrip(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	raw := []byte("<script>eval(atob('aGk='))</script>\né中")
	b := encodeBody(raw, &p)
	if b.Encoding != EncodingText {
		t.Fatalf("encoding = %q, want text", b.Encoding)
	}
	got, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("round trip mismatch: %q != %q", got, raw)
	}
}

func TestBody_LargeUsesBase64(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	for _, size := range []int{p.InlineTextMaxBytes, p.InlineTextMaxBytes + 1, 200_000} {
		raw := bytes.Repeat([]byte("a\x00b"), size/3+1)[:size]
		b := encodeBody(raw, &p)
		if b.Encoding != EncodingBase64 {
			t.Fatalf("size %d: encoding = %q, want base64", size, b.Encoding)
		}
		got, err := b.Bytes()
		if err != nil {
			t.Fatalf("Bytes: %v", err)
		}
		if !bytes.Equal(got, raw) {
			t.Errorf("size %d: round trip mismatch", size)
		}
		if b.Size != size {
			t.Errorf("Size = %d, want %d", b.Size, size)
		}
	}
}

func TestBody_InvalidUTF8FallsBackToBase64(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	raw := []byte{0xff, 0xfe, 'h', 'i'}
	b := encodeBody(raw, &p)
	if b.Encoding != EncodingBase64 {
		t.Fatalf("encoding = %q, want base64", b.Encoding)
	}
	got, _ := b.Bytes()
	if !bytes.Equal(got, raw) {
		t.Errorf("round trip mismatch: %v", got)
	}
}

func TestBody_OversizedOmitted(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	p.MaxBodyBytes = 1000
	p.InlineTextMaxBytes = 100
	b := encodeBody([]byte(strings.Repeat("x", 1001)), &p)
	if !b.Omitted || b.Data != "" || b.Size != 1001 {
		t.Errorf("body = %+v, want omitted with size 1001 and no data", b)
	}
	got, err := b.Bytes()
	if err != nil || got != nil {
		t.Errorf("Bytes = %v, %v; want nil, nil", got, err)
	}
}

func TestApplyBodyPolicy_ContentTypes(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	tests := []struct {
		contentType string
		kept        bool
	}{
		{"text/html; charset=utf-8", true},
		{"application/javascript", true},
		{"application/ld+json", true},
		{"image/svg+xml", true},
		{"TEXT/CSS", true},
		{"image/png", false},
		{"application/octet-stream", false},
		{"", false},
	}
	for _, tt := range tests {
		tx := &Transaction{ContentType: tt.contentType}
		applyBodyPolicy(tx, []byte("req"), []byte("resp"), &p)
		if got := tx.ResponseBody != nil; got != tt.kept {
			t.Errorf("%q: kept = %v, want %v", tt.contentType, got, tt.kept)
		}
	}
}

func TestDecodeSubmittedBody(t *testing.T) {
	t.Parallel()

	enc := "PHNjcmlwdD4="
	got, err := decodeSubmittedBody("responseBody", &enc, "BASE64")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(got) != "<script>" {
		t.Errorf("got %q, want <script>", got)
	}

	got, err = decodeSubmittedBody("responseBody", nil, "")
	if err != nil || got != nil {
		t.Errorf("nil body = %v, %v", got, err)
	}
}
