package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-ask/internal/config"
	"github.com/loqalabs/loqa-ask/internal/eventstore"
	"github.com/loqalabs/loqa-ask/internal/protocol"
)

func TestValidateReportsMissingCredentials(t *testing.T) {
	t.Setenv("API_KEY", "")
	t.Setenv("LOQA_GEMINI_API_KEY", "")
	t.Setenv("ELEVENLABS_API_KEY", "YOUR_ELEVENLABS_API_KEY_HERE")
	noEnv := filepath.Join(t.TempDir(), "absent.env")

	err := runValidate([]string{"-env-file", noEnv}, io.Discard)
	if err == nil {
		t.Fatal("expected missing credentials")
	}
	if !strings.Contains(err.Error(), "API_KEY") || !strings.Contains(err.Error(), "ELEVENLABS_API_KEY") {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Setenv("LOQA_LLM_MODE", "mock")
	t.Setenv("LOQA_TTS_MODE", "mock")
	var out bytes.Buffer
	if err := runValidate([]string{"-env-file", noEnv}, &out); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "configuration valid") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestTurnsPrintsRecordedTurns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turns.db")
	t.Setenv("LOQA_LLM_MODE", "mock")
	t.Setenv("LOQA_TTS_MODE", "mock")
	t.Setenv("LOQA_EVENT_STORE_PATH", path)
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")

	cfg := config.Default()
	cfg.EventStore.Path = path
	cfg.EventStore.RetentionMode = eventstore.Persistent
	store, err := eventstore.Open(context.Background(), cfg.EventStore, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	err = store.RecordTurn(context.Background(), protocol.Turn{
		ID: "t1", SessionID: "s1", State: "ready", Prompt: "why tides?", Text: "The moon.",
		Sources: []protocol.Source{{Number: 1, URI: "https://example.com/tides"}},
	})
	store.Close()
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	var out bytes.Buffer
	if err := runTurns([]string{"-session", "s1"}, &out); err != nil {
		t.Fatalf("turns: %v", err)
	}
	for _, want := range []string{"why tides?", "The moon.", "[1] https://example.com/tides"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("missing %q in %q", want, out.String())
		}
	}

	if err := runTurns(nil, io.Discard); err == nil {
		t.Fatal("expected an error without -session")
	}
}
