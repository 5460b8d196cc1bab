package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-ask/internal/apperr"
	"github.com/loqalabs/loqa-ask/internal/citation"
	"github.com/loqalabs/loqa-ask/internal/config"
	"github.com/loqalabs/loqa-ask/internal/llm"
	"github.com/loqalabs/loqa-ask/internal/media"
	"github.com/loqalabs/loqa-ask/internal/protocol"
	"github.com/loqalabs/loqa-ask/internal/tts"
)

type scriptedGenerator struct {
	chunks  []llm.Chunk
	err     error
	started chan struct{}
	release chan struct{}

	mu   sync.Mutex
	reqs []llm.Request
}

func (g *scriptedGenerator) Name() string { return "scripted" }

func (g *scriptedGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	g.mu.Unlock()
	if g.started != nil {
		g.started <- struct{}{}
	}
	if g.release != nil {
		<-g.release
	}
	for _, chunk := range g.chunks {
		if err := consumer(chunk); err != nil {
			return err
		}
	}
	return g.err
}

type fakeSynth struct {
	err     error
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	texts []string
}

func (s *fakeSynth) Name() string { return "fake" }

func (s *fakeSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (tts.Audio, error) {
	s.mu.Lock()
	s.texts = append(s.texts, req.Text)
	s.mu.Unlock()
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return tts.Audio{}, s.err
	}
	return tts.Audio{Data: []byte("mp3"), ContentType: "audio/mpeg"}, nil
}

func (s *fakeSynth) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []State
	for _, ev := range l.events {
		if ev.Type == EventState {
			out = append(out, ev.Snapshot.State)
		}
	}
	return out
}

func (l *eventLog) fragments() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var b strings.Builder
	for _, ev := range l.events {
		if ev.Type == EventFragment {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

type recorderFunc func(ctx context.Context, turn protocol.Turn) error

func (f recorderFunc) RecordTurn(ctx context.Context, turn protocol.Turn) error { return f(ctx, turn) }

func testPipeline(gen llm.Generator, synth tts.Synthesizer) *Pipeline {
	return &Pipeline{
		Generator:       gen,
		Synthesizer:     synth,
		Media:           media.NewStore("/audio/"),
		LLM:             config.Default().LLM,
		Voice:           "voice-1",
		MaxPromptLength: 100,
		Reconcile:       citation.HTML,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func answerChunks() []llm.Chunk {
	return []llm.Chunk{
		{Text: "Paris is **the** "},
		{Text: "capital.", Citations: []citation.Record{
			{URI: "https://a.example", Title: "A", EndIndex: 8},
			{URI: "https://a.example", Title: "A", EndIndex: 25},
		}},
	}
}

func TestSubmitAnswersWithAudio(t *testing.T) {
	gen := &scriptedGenerator{chunks: answerChunks()}
	synth := &fakeSynth{}
	p := testPipeline(gen, synth)
	ctrl := NewController("s1", p)
	log := &eventLog{}
	ctrl.Observe(log.observe)

	snap, err := ctrl.Submit(context.Background(), "  What is the capital of France?  ", true)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if snap.State != Ready || snap.AudioURL == "" || snap.AudioError != "" {
		t.Fatalf("unexpected final snapshot %+v", snap)
	}
	if snap.Text != "Paris is **the** capital." || snap.Prompt != "What is the capital of France?" {
		t.Fatalf("unexpected text/prompt %q %q", snap.Text, snap.Prompt)
	}
	if len(snap.Sources) != 1 || snap.Sources[0].Number != 1 {
		t.Fatalf("unexpected sources %+v", snap.Sources)
	}
	if strings.Count(snap.Annotated, `class="citation-link"`) != 2 {
		t.Fatalf("expected two markers in %q", snap.Annotated)
	}

	want := []State{Streaming, Reconciling, AwaitingAudio, Ready}
	got := log.states()
	if len(got) != len(want) {
		t.Fatalf("expected states %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, got)
		}
	}
	if log.fragments() != snap.Text {
		t.Fatalf("fragments %q do not add up to %q", log.fragments(), snap.Text)
	}

	if texts := synth.calls(); len(texts) != 1 || texts[0] != "Paris is the capital." {
		t.Fatalf("expected normalized script, got %v", texts)
	}
	if p.Media.Live() != 1 {
		t.Fatalf("expected one live audio handle, got %d", p.Media.Live())
	}
	if req := gen.reqs[0]; !req.SearchEnabled || !strings.Contains(req.System, "search tool") || req.SessionID != "s1" {
		t.Fatalf("unexpected llm request %+v", req)
	}
}

func TestGenerationFailureRoutesToError(t *testing.T) {
	gen := &scriptedGenerator{chunks: []llm.Chunk{{Text: "partial "}}, err: errors.New("stream broke")}
	synth := &fakeSynth{}
	ctrl := NewController("s1", testPipeline(gen, synth))

	snap, err := ctrl.Submit(context.Background(), "question", false)
	if !apperr.Is(err, apperr.KindGeneration) {
		t.Fatalf("expected generation error, got %v", err)
	}
	if snap.State != Error || snap.Text != "" || snap.Annotated != "" || len(snap.Sources) != 0 {
		t.Fatalf("error state must leave the answer empty: %+v", snap)
	}
	if !strings.HasPrefix(snap.Error, "failed to get response from scripted") {
		t.Fatalf("unexpected error message %q", snap.Error)
	}
	if len(synth.calls()) != 0 {
		t.Fatal("speech must not be requested after a generation failure")
	}
}

func TestEmptyAnswerIsGenerationError(t *testing.T) {
	ctrl := NewController("s1", testPipeline(&scriptedGenerator{}, &fakeSynth{}))
	snap, err := ctrl.Submit(context.Background(), "question", false)
	if !apperr.Is(err, apperr.KindGeneration) || snap.State != Error {
		t.Fatalf("expected error state, got %v %+v", err, snap)
	}
}

func TestAudioFailureKeepsAnswer(t *testing.T) {
	synth := &fakeSynth{err: apperr.New(apperr.KindAudio, "ElevenLabs request failed: quota exceeded")}
	p := testPipeline(&scriptedGenerator{chunks: answerChunks()}, synth)
	ctrl := NewController("s1", p)

	snap, err := ctrl.Submit(context.Background(), "question", true)
	if err != nil {
		t.Fatalf("audio failures are reported in the snapshot, got %v", err)
	}
	if snap.State != Ready || snap.AudioError != "ElevenLabs request failed: quota exceeded" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Text == "" || len(snap.Sources) != 1 || snap.AudioURL != "" {
		t.Fatalf("text and sources must stay visible: %+v", snap)
	}
	if p.Media.Live() != 0 {
		t.Fatalf("no handle expected, got %d", p.Media.Live())
	}
}

func TestRejectedSpeechKeyKeepsAnswer(t *testing.T) {
	speech := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":{"status":"invalid_api_key","message":"Invalid API key"}}`))
	}))
	defer speech.Close()

	cfg := config.Default().TTS
	cfg.APIKey = "sk-rejected"
	cfg.BaseURL = speech.URL
	p := testPipeline(&scriptedGenerator{chunks: answerChunks()}, tts.NewElevenLabs(cfg))
	ctrl := NewController("s1", p)

	snap, err := ctrl.Submit(context.Background(), "question", true)
	if err != nil {
		t.Fatalf("audio failures are reported in the snapshot, got %v", err)
	}
	if snap.State != Ready {
		t.Fatalf("expected ready, got %s", snap.State)
	}
	if !strings.Contains(snap.AudioError, "invalid or missing") {
		t.Fatalf("unexpected audio error %q", snap.AudioError)
	}
	if snap.Annotated == "" || len(snap.Sources) == 0 || snap.AudioURL != "" {
		t.Fatalf("answer and sources must stay visible: %+v", snap)
	}
	if p.Media.Live() != 0 {
		t.Fatalf("no handle expected, got %d", p.Media.Live())
	}
}

func TestSubmitRejections(t *testing.T) {
	gen := &scriptedGenerator{chunks: answerChunks()}
	p := testPipeline(gen, &fakeSynth{})
	ctrl := NewController("s1", p)

	if _, err := ctrl.Submit(context.Background(), "   ", false); !apperr.Is(err, apperr.KindInput) {
		t.Fatalf("expected input error for blank prompt, got %v", err)
	}
	if _, err := ctrl.Submit(context.Background(), strings.Repeat("é", 101), false); !apperr.Is(err, apperr.KindInput) {
		t.Fatalf("expected input error for long prompt, got %v", err)
	}

	p.Missing = []string{config.GeminiKeyEnv}
	if _, err := ctrl.Submit(context.Background(), "question", false); !apperr.Is(err, apperr.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(gen.reqs) != 0 {
		t.Fatal("rejected submissions must not reach the backend")
	}
	if ctrl.Snapshot().State != Idle {
		t.Fatalf("rejections must not change the turn, got %s", ctrl.Snapshot().State)
	}
}

func TestSubmitWhileBusyIsDropped(t *testing.T) {
	gen := &scriptedGenerator{
		chunks:  answerChunks(),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	ctrl := NewController("s1", testPipeline(gen, &fakeSynth{}))

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Submit(context.Background(), "first", false)
		done <- err
	}()
	<-gen.started

	snap, err := ctrl.Submit(context.Background(), "second", false)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if snap.Prompt != "first" || snap.State != Streaming {
		t.Fatalf("busy rejection must report the running turn, got %+v", snap)
	}

	close(gen.release)
	if err := <-done; err != nil {
		t.Fatalf("first submission: %v", err)
	}
	if len(gen.reqs) != 1 {
		t.Fatalf("dropped submission must not be queued, got %d requests", len(gen.reqs))
	}
}

func TestNewTurnReleasesPreviousAudio(t *testing.T) {
	p := testPipeline(&scriptedGenerator{chunks: answerChunks()}, &fakeSynth{})
	ctrl := NewController("s1", p)

	first, err := ctrl.Submit(context.Background(), "one", false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := ctrl.Submit(context.Background(), "two", false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.AudioURL == second.AudioURL || first.TurnID == second.TurnID {
		t.Fatal("expected a fresh turn and handle")
	}
	if p.Media.Live() != 1 {
		t.Fatalf("expected exactly one live handle, got %d", p.Media.Live())
	}
	if _, err := p.Media.Get(strings.TrimPrefix(first.AudioURL, "/audio/")); !errors.Is(err, media.ErrReleased) {
		t.Fatalf("expected first handle to be released, got %v", err)
	}
}

func TestResetReleasesAudio(t *testing.T) {
	p := testPipeline(&scriptedGenerator{chunks: answerChunks()}, &fakeSynth{})
	ctrl := NewController("s1", p)
	if _, err := ctrl.Submit(context.Background(), "one", false); err != nil {
		t.Fatalf("submit: %v", err)
	}

	snap := ctrl.Reset()
	if snap.State != Idle || snap.Text != "" || snap.AudioURL != "" {
		t.Fatalf("unexpected reset snapshot %+v", snap)
	}
	if p.Media.Live() != 0 {
		t.Fatalf("reset must release the audio handle, %d live", p.Media.Live())
	}
}

func TestResetDuringTurnDiscardsLateResult(t *testing.T) {
	synth := &fakeSynth{started: make(chan struct{}, 1), release: make(chan struct{})}
	p := testPipeline(&scriptedGenerator{chunks: answerChunks()}, synth)
	ctrl := NewController("s1", p)
	log := &eventLog{}
	ctrl.Observe(log.observe)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Submit(context.Background(), "question", false)
		done <- err
	}()
	<-synth.started

	if snap := ctrl.Reset(); snap.State != Idle {
		t.Fatalf("expected idle after reset, got %s", snap.State)
	}
	close(synth.release)

	select {
	case err := <-done:
		if !errors.Is(err, ErrDiscarded) {
			t.Fatalf("expected ErrDiscarded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("submission did not return")
	}
	if ctrl.Snapshot().State != Idle {
		t.Fatalf("late result must not leave idle, got %s", ctrl.Snapshot().State)
	}
	if p.Media.Live() != 0 {
		t.Fatalf("late audio must not leak a handle, %d live", p.Media.Live())
	}
	states := log.states()
	if states[len(states)-1] != Idle {
		t.Fatalf("no events may follow the reset, got %v", states)
	}
}

func TestRecorderReceivesFinishedTurn(t *testing.T) {
	p := testPipeline(&scriptedGenerator{chunks: answerChunks()}, &fakeSynth{})
	var recorded []protocol.Turn
	p.Recorder = recorderFunc(func(_ context.Context, turn protocol.Turn) error {
		recorded = append(recorded, turn)
		return nil
	})
	ctrl := NewController("s1", p)
	if _, err := ctrl.Submit(context.Background(), "question", true); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(recorded) != 1 || recorded[0].State != "ready" || len(recorded[0].Sources) != 1 || recorded[0].CompletedAt == nil {
		t.Fatalf("unexpected recorded turns %+v", recorded)
	}
}

func TestClosedControllerRejectsSubmit(t *testing.T) {
	ctrl := NewController("s1", testPipeline(&scriptedGenerator{chunks: answerChunks()}, &fakeSynth{}))
	ctrl.Close()
	if _, err := ctrl.Submit(context.Background(), "question", false); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestStalledObserverDoesNotBlockController(t *testing.T) {
	gen := &scriptedGenerator{chunks: []llm.Chunk{{Text: "a"}, {Text: "b"}}}
	p := testPipeline(gen, &fakeSynth{})
	ctrl := NewController("s1", p)

	log := &eventLog{}
	blocked := make(chan struct{})
	unblock := make(chan struct{})
	ctrl.Observe(func(ev Event) {
		log.observe(ev)
		if ev.Type == EventFragment && ev.Text == "a" {
			close(blocked)
			<-unblock
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Submit(context.Background(), "question", false)
		done <- err
	}()
	<-blocked

	reset := make(chan Snapshot, 1)
	go func() { reset <- ctrl.Reset() }()
	select {
	case snap := <-reset:
		if snap.State != Idle {
			t.Fatalf("expected idle after reset, got %s", snap.State)
		}
	case <-time.After(time.Second):
		close(unblock)
		t.Fatal("reset waited for a stalled observer")
	}
	if state := ctrl.Snapshot().State; state != Idle {
		t.Fatalf("expected idle snapshot, got %s", state)
	}
	close(unblock)

	select {
	case err := <-done:
		if !errors.Is(err, ErrDiscarded) {
			t.Fatalf("expected ErrDiscarded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("submission did not return")
	}
	states := log.states()
	if len(states) != 2 || states[0] != Streaming || states[1] != Idle {
		t.Fatalf("expected [streaming idle] in order, got %v", states)
	}
	if log.fragments() != "a" {
		t.Fatalf("fragments after the reset must be dropped, got %q", log.fragments())
	}
}
