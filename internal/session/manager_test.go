package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-ask/internal/protocol"
)

func TestManagerLifecycle(t *testing.T) {
	var mu sync.Mutex
	var hooked int
	hook := func(ev Event) {
		mu.Lock()
		hooked++
		mu.Unlock()
	}
	p := testPipeline(&scriptedGenerator{chunks: answerChunks()}, &fakeSynth{})
	m := NewManager(p, 2, nil, hook)

	a, err := m.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b, err := m.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if a.ID() == b.ID() {
		t.Fatal("expected distinct session ids")
	}
	if _, err := m.Open(); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("expected session limit, got %v", err)
	}
	if m.Count() != 2 {
		t.Fatalf("expected two sessions, got %d", m.Count())
	}

	if _, err := a.Submit(context.Background(), "question", false); err != nil {
		t.Fatalf("submit: %v", err)
	}
	mu.Lock()
	if hooked == 0 {
		t.Fatal("expected manager hooks to observe the turn")
	}
	mu.Unlock()
	if p.Media.Live() != 1 {
		t.Fatalf("expected one handle, got %d", p.Media.Live())
	}

	m.Close(a.ID())
	if _, ok := m.Get(a.ID()); ok {
		t.Fatal("closed session must be forgotten")
	}
	if p.Media.Live() != 0 {
		t.Fatal("closing a session must release its audio")
	}
	m.Close(a.ID())

	m.CloseAll()
	if m.Count() != 0 {
		t.Fatalf("expected no sessions, got %d", m.Count())
	}
	if _, err := b.Submit(context.Background(), "question", false); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after CloseAll, got %v", err)
	}
}

func TestStateStrings(t *testing.T) {
	want := map[State]string{
		Idle:          "idle",
		Streaming:     "streaming",
		Reconciling:   "reconciling",
		AwaitingAudio: "awaiting_audio",
		Ready:         "ready",
		Error:         "error",
		State(42):     "unknown",
	}
	for state, name := range want {
		if state.String() != name {
			t.Fatalf("state %d: got %q want %q", int(state), state.String(), name)
		}
	}
}

func TestEventMessage(t *testing.T) {
	frag := Event{Type: EventFragment, SessionID: "s1", TurnID: "t1", Text: "Hello "}.Message()
	f, ok := frag.(protocol.Fragment)
	if !ok || f.Type != protocol.TypeFragment || f.SessionID != "s1" || f.TurnID != "t1" || f.Text != "Hello " {
		t.Fatalf("unexpected fragment message %#v", frag)
	}

	snap := Snapshot{TurnID: "t1", SessionID: "s1", State: Ready, Text: "Hello there"}
	state := Event{Type: EventState, SessionID: "s1", TurnID: "t1", Snapshot: snap}.Message()
	st, ok := state.(protocol.State)
	if !ok || st.Type != protocol.TypeState || st.Turn.State != "ready" || st.Turn.Text != "Hello there" {
		t.Fatalf("unexpected state message %#v", state)
	}
	if st.Turn.Sources == nil {
		t.Fatal("sources must encode as an empty list")
	}
}
