package session

import (
	"time"

	"github.com/loqalabs/loqa-ask/internal/citation"
	"github.com/loqalabs/loqa-ask/internal/protocol"
)

// State is the turn state machine value.
type State int

const (
	Idle State = iota
	Streaming
	Reconciling
	AwaitingAudio
	Ready
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Streaming:
		return "streaming"
	case Reconciling:
		return "reconciling"
	case AwaitingAudio:
		return "awaiting_audio"
	case Ready:
		return "ready"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Busy reports whether a turn in this state still has a network call
// outstanding.
func (s State) Busy() bool {
	return s == Streaming || s == Reconciling || s == AwaitingAudio
}

// Snapshot is a copy of the per-turn state. Text holds the accumulated
// stream while Streaming and the final answer afterwards.
type Snapshot struct {
	TurnID      string
	SessionID   string
	State       State
	Prompt      string
	Search      bool
	Text        string
	Annotated   string
	Sources     []citation.Source
	AudioURL    string
	Error       string
	AudioError  string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Wire converts the snapshot to its protocol form.
func (s Snapshot) Wire() protocol.Turn {
	turn := protocol.Turn{
		ID:         s.TurnID,
		SessionID:  s.SessionID,
		State:      s.State.String(),
		Prompt:     s.Prompt,
		Search:     s.Search,
		Text:       s.Text,
		Annotated:  s.Annotated,
		Sources:    make([]protocol.Source, 0, len(s.Sources)),
		AudioURL:   s.AudioURL,
		Error:      s.Error,
		AudioError: s.AudioError,
	}
	for _, src := range s.Sources {
		turn.Sources = append(turn.Sources, protocol.Source{Number: src.Number, URI: src.URI, Title: src.Title})
	}
	if !s.StartedAt.IsZero() {
		started := s.StartedAt
		turn.StartedAt = &started
	}
	if !s.CompletedAt.IsZero() {
		completed := s.CompletedAt
		turn.CompletedAt = &completed
	}
	return turn
}

// EventType distinguishes observer notifications.
type EventType int

const (
	EventFragment EventType = iota + 1
	EventState
)

// Event is delivered to observers. Fragment events carry only the new
// text; state events carry the full snapshot.
type Event struct {
	Type      EventType
	SessionID string
	TurnID    string
	Text      string
	Snapshot  Snapshot
}

// Observer receives controller events in emission order. Observers run
// outside the controller lock and may call back into it. They should not
// block: a stalled observer holds up delivery of the events after it.
type Observer func(Event)

// Message converts the event to the wire message sent to pages and the bus.
func (e Event) Message() any {
	now := time.Now().UTC()
	if e.Type == EventFragment {
		return protocol.Fragment{
			Type:      protocol.TypeFragment,
			SessionID: e.SessionID,
			TurnID:    e.TurnID,
			Text:      e.Text,
			Timestamp: now,
		}
	}
	return protocol.State{Type: protocol.TypeState, Turn: e.Snapshot.Wire(), Timestamp: now}
}
