package main

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/behavior"
	sc "github.com/linnemanlabs/sift/internal/cfg"
	"github.com/linnemanlabs/sift/internal/triage"
	"github.com/linnemanlabs/sift/internal/triage/memstore"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	// Create a real unixgram listener.
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}

	got := string(buf[:n])
	if got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func TestNewClassifier(t *testing.T) {
	t.Parallel()

	pol := triage.DefaultPolicy()
	engine, err := triage.NewEngine(pol)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	store := memstore.New()

	pattern := sc.Config{Classifier: sc.ClassifierPattern}
	if _, ok := newClassifier(&pattern, pol, store, engine, triage.InvestigationHooks{}, log.Nop()).(behavior.PatternClassifier); !ok {
		t.Error("pattern mode should use the local pattern classifier")
	}

	llm := sc.Config{Classifier: sc.ClassifierLLM, ClaudeAPIKey: "k", ClaudeModel: "m", LLMMaxToolRounds: 3, LLMMaxTokens: 1000}
	if _, ok := newClassifier(&llm, pol, store, engine, triage.InvestigationHooks{}, log.Nop()).(*behavior.Investigator); !ok {
		t.Error("llm mode should use the investigator")
	}
}
