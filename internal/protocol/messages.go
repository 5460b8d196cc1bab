package protocol

import "time"

// Source is one numbered citation source of a turn.
type Source struct {
	Number int    `json:"number"`
	URI    string `json:"uri"`
	Title  string `json:"title"`
}

// Turn is the observable state of one question/answer turn.
type Turn struct {
	ID          string     `json:"id,omitempty"`
	SessionID   string     `json:"session_id"`
	State       string     `json:"state"`
	Prompt      string     `json:"prompt,omitempty"`
	Search      bool       `json:"search"`
	Text        string     `json:"text,omitempty"`
	Annotated   string     `json:"annotated,omitempty"`
	Sources     []Source   `json:"sources"`
	AudioURL    string     `json:"audio_url,omitempty"`
	Error       string     `json:"error,omitempty"`
	AudioError  string     `json:"audio_error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Client to server message types.
const (
	TypeSubmit = "submit"
	TypeReset  = "reset"
)

// Server to client message types.
const (
	TypeFragment = "fragment"
	TypeState    = "state"
	TypeError    = "error"
)

// ClientMessage is any message the page sends over the live channel.
type ClientMessage struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt,omitempty"`
	Search bool   `json:"search,omitempty"`
}

// Fragment carries one streamed piece of answer text, not the accumulation.
type Fragment struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// State announces a state transition together with the full turn.
type State struct {
	Type      string    `json:"type"`
	Turn      Turn      `json:"turn"`
	Timestamp time.Time `json:"timestamp"`
}

// Error reports a rejected request. It does not change the turn.
type Error struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Status is served at /api/status for the page bootstrap.
type Status struct {
	MissingCredentials []string `json:"missing_credentials"`
	Dictation          bool     `json:"dictation"`
	Search             bool     `json:"search"`
}

// Transcript is the reply of the dictation endpoint.
type Transcript struct {
	Text string `json:"text"`
}

const (
	SubjectTurnFragment = "ask.turn.fragment"
	SubjectTurnState    = "ask.turn.state"
)
