// Package session runs the per-page turn state machine: stream the answer,
// reconcile citations, synthesize speech, and hand the audio back.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-ask/internal/apperr"
	"github.com/loqalabs/loqa-ask/internal/citation"
	"github.com/loqalabs/loqa-ask/internal/config"
	"github.com/loqalabs/loqa-ask/internal/llm"
	"github.com/loqalabs/loqa-ask/internal/media"
	"github.com/loqalabs/loqa-ask/internal/protocol"
	"github.com/loqalabs/loqa-ask/internal/script"
	"github.com/loqalabs/loqa-ask/internal/tts"
)

var (
	// ErrBusy rejects a submission while a turn is still in flight.
	ErrBusy = errors.New("a question is already being answered")
	// ErrDiscarded is returned to the submitter of a turn that was reset
	// before it finished.
	ErrDiscarded = errors.New("turn was reset before it completed")
	// ErrClosed is returned once the controller has been closed.
	ErrClosed = errors.New("session closed")
)

// Recorder persists finished turns.
type Recorder interface {
	RecordTurn(ctx context.Context, turn protocol.Turn) error
}

// Pipeline holds the collaborators shared by every controller.
type Pipeline struct {
	Generator   llm.Generator
	Synthesizer tts.Synthesizer
	Media       *media.Store
	LLM         config.LLMConfig
	Voice       string
	// MaxPromptLength is counted in runes; zero disables the check.
	MaxPromptLength int
	// Missing lists the credential variables that are absent. While it is
	// non-empty every submission fails with a configuration error.
	Missing   []string
	Reconcile citation.Reconciler
	Recorder  Recorder
	Metrics   *Metrics
	Logger    *slog.Logger
}

// Controller owns the turn state of one page. All methods are safe for
// concurrent use; the pipeline of a turn runs on the goroutine that called
// Submit.
type Controller struct {
	id     string
	p      *Pipeline
	logger *slog.Logger

	mu        sync.Mutex
	epoch     uint64
	snap      Snapshot
	audioID   string
	observers map[int]Observer
	nextObs   int
	closed    bool
	pending   []Event
	draining  bool
}

// NewController returns an idle controller for session id.
func NewController(id string, p *Pipeline) *Controller {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if id == "" {
		id = uuid.NewString()
	}
	return &Controller{
		id:        id,
		p:         p,
		logger:    logger.With(slog.String("component", "session"), slog.String("session_id", id)),
		snap:      Snapshot{SessionID: id, State: Idle},
		observers: make(map[int]Observer),
	}
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// Snapshot returns a copy of the current turn state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Observe registers fn for fragment and state events and returns a function
// that removes it.
func (c *Controller) Observe(fn Observer) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// Submit runs one turn for prompt and returns its final snapshot.
//
// Blank or overlong prompts fail with an input error, missing credentials
// with a configuration error, and a submission during an in-flight turn with
// ErrBusy; none of these touch the current turn. A generation failure moves
// the turn to Error and is returned. A speech failure still ends in Ready,
// with AudioError set and a nil error. If the turn is reset while in flight,
// its late result is dropped and ErrDiscarded is returned.
func (c *Controller) Submit(ctx context.Context, prompt string, search bool) (Snapshot, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return c.Snapshot(), apperr.New(apperr.KindInput, "please enter a question").WithStatus(http.StatusBadRequest)
	}
	if limit := c.p.MaxPromptLength; limit > 0 && utf8.RuneCountInString(prompt) > limit {
		return c.Snapshot(), apperr.New(apperr.KindInput, fmt.Sprintf("questions are limited to %d characters", limit)).WithStatus(http.StatusBadRequest)
	}
	if len(c.p.Missing) > 0 {
		return c.Snapshot(), apperr.New(apperr.KindConfiguration, "missing credentials: "+strings.Join(c.p.Missing, ", "))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	if c.snap.State.Busy() {
		snap := c.snap
		c.mu.Unlock()
		return snap, ErrBusy
	}
	c.releaseAudioLocked()
	c.epoch++
	epoch := c.epoch
	c.snap = Snapshot{
		TurnID:    uuid.NewString(),
		SessionID: c.id,
		State:     Streaming,
		Prompt:    prompt,
		Search:    search,
		StartedAt: time.Now().UTC(),
	}
	turnID := c.snap.TurnID
	c.emitStateLocked()
	c.mu.Unlock()
	c.deliver()

	ctx, span := tracer.Start(ctx, "session.turn", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", c.id),
		attribute.String("turn.id", turnID),
		attribute.Bool("turn.search", search),
	)
	logger := c.logger.With(slog.String("turn_id", turnID))
	logger.Info("turn started", slog.Bool("search", search), slog.Int("prompt_chars", len(prompt)))

	req := llm.RequestFromConfig(c.p.LLM, prompt, search)
	req.SessionID = c.id
	req.TraceID = span.SpanContext().TraceID().String()

	start := time.Now()
	res, err := llm.Stream(ctx, c.p.Generator, req, func(text string) {
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return
		}
		c.snap.Text += text
		c.emitLocked(Event{Type: EventFragment, TurnID: turnID, Text: text})
		c.mu.Unlock()
		c.deliver()
	})
	c.p.Metrics.generated(ctx, time.Since(start), generatorName(c.p.Generator))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return c.discarded(ctx, logger, search)
		}
		c.snap.State = Error
		c.snap.Text = ""
		c.snap.Annotated = ""
		c.snap.Sources = nil
		c.snap.Error = err.Error()
		c.snap.CompletedAt = time.Now().UTC()
		c.emitStateLocked()
		final := c.snap
		c.mu.Unlock()
		c.deliver()

		logger.Warn("generation failed", slog.String("error", err.Error()))
		c.p.Metrics.turn(ctx, OutcomeGenerationError, search)
		c.record(ctx, final)
		return final, err
	}

	reconciled := c.p.Reconcile.Reconcile(res.FullText, res.Citations)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return c.discarded(ctx, logger, search)
	}
	c.snap.Text = res.FullText
	c.snap.State = Reconciling
	c.snap.Annotated = reconciled.Annotated
	c.snap.Sources = reconciled.Sources
	c.emitStateLocked()
	c.snap.State = AwaitingAudio
	c.emitStateLocked()
	c.mu.Unlock()
	c.deliver()

	start = time.Now()
	audio, audioErr := tts.Synthesize(ctx, c.p.Synthesizer, tts.SynthRequest{
		SessionID: c.id,
		Text:      script.Normalize(res.FullText),
		Voice:     c.p.Voice,
	})
	c.p.Metrics.synthesized(ctx, time.Since(start), synthesizerName(c.p.Synthesizer))

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return c.discarded(ctx, logger, search)
	}
	outcome := OutcomeAnswered
	if audioErr != nil {
		span.RecordError(audioErr)
		c.snap.AudioError = audioErr.Error()
		outcome = OutcomeAudioFailed
	} else if c.p.Media != nil {
		handle := c.p.Media.Put(audio.Data, audio.ContentType)
		c.audioID = handle.ID
		c.snap.AudioURL = handle.URL
	}
	c.snap.State = Ready
	c.snap.CompletedAt = time.Now().UTC()
	c.emitStateLocked()
	final := c.snap
	c.mu.Unlock()
	c.deliver()

	if audioErr != nil {
		logger.Warn("speech synthesis failed", slog.String("error", audioErr.Error()))
	}
	logger.Info("turn completed",
		slog.String("outcome", outcome),
		slog.Int("answer_chars", len(final.Text)),
		slog.Int("sources", len(final.Sources)),
	)
	c.p.Metrics.turn(ctx, outcome, search)
	c.record(ctx, final)
	return final, nil
}

// Reset returns the controller to Idle from any state and releases the
// outstanding audio handle. An in-flight turn keeps running but its result
// is discarded.
func (c *Controller) Reset() Snapshot {
	c.mu.Lock()
	c.resetLocked()
	c.emitStateLocked()
	snap := c.snap
	c.mu.Unlock()
	c.deliver()
	return snap
}

// Close resets the controller and detaches all observers. Later calls to
// Submit fail with ErrClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.resetLocked()
	c.closed = true
	c.observers = make(map[int]Observer)
	c.pending = nil
}

func (c *Controller) resetLocked() {
	c.epoch++
	c.releaseAudioLocked()
	c.snap = Snapshot{SessionID: c.id, State: Idle}
}

func (c *Controller) releaseAudioLocked() {
	if c.audioID == "" {
		return
	}
	if c.p.Media != nil {
		c.p.Media.Release(c.audioID)
	}
	c.audioID = ""
}

func (c *Controller) emitStateLocked() {
	c.emitLocked(Event{Type: EventState, TurnID: c.snap.TurnID, Snapshot: c.snap})
}

func (c *Controller) emitLocked(ev Event) {
	ev.SessionID = c.id
	c.pending = append(c.pending, ev)
}

// deliver hands queued events to the observers outside the lock. One
// goroutine delivers at a time, so events arrive in emission order; a caller
// that finds delivery in progress leaves its events to that goroutine and
// returns at once.
func (c *Controller) deliver() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.pending) > 0 {
		batch := c.pending
		c.pending = nil
		observers := make([]Observer, 0, len(c.observers))
		for _, fn := range c.observers {
			observers = append(observers, fn)
		}
		c.mu.Unlock()
		for _, ev := range batch {
			for _, fn := range observers {
				fn(ev)
			}
		}
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

func (c *Controller) discarded(ctx context.Context, logger *slog.Logger, search bool) (Snapshot, error) {
	logger.Info("discarding result of reset turn")
	c.p.Metrics.turn(ctx, OutcomeDiscarded, search)
	return c.Snapshot(), ErrDiscarded
}

func (c *Controller) record(ctx context.Context, snap Snapshot) {
	if c.p.Recorder == nil {
		return
	}
	if err := c.p.Recorder.RecordTurn(context.WithoutCancel(ctx), snap.Wire()); err != nil {
		c.logger.Warn("failed to record turn", slog.String("error", err.Error()))
	}
}

func generatorName(g llm.Generator) string {
	if g == nil {
		return "none"
	}
	return g.Name()
}

func synthesizerName(s tts.Synthesizer) string {
	if s == nil {
		return "none"
	}
	return s.Name()
}
