// Package runtime wires configuration, telemetry, the answer pipeline and
// the HTTP surface into one process.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/loqalabs/loqa-ask/internal/api"
	"github.com/loqalabs/loqa-ask/internal/bus"
	"github.com/loqalabs/loqa-ask/internal/citation"
	"github.com/loqalabs/loqa-ask/internal/config"
	"github.com/loqalabs/loqa-ask/internal/eventstore"
	"github.com/loqalabs/loqa-ask/internal/llm"
	"github.com/loqalabs/loqa-ask/internal/media"
	"github.com/loqalabs/loqa-ask/internal/natsserver"
	"github.com/loqalabs/loqa-ask/internal/session"
	"github.com/loqalabs/loqa-ask/internal/stt"
	"github.com/loqalabs/loqa-ask/internal/tts"
)

const meterName = "github.com/loqalabs/loqa-ask/internal/runtime"

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	sessions *session.Manager
	events   *eventstore.Store
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the process until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	handler, err := r.build(ctx, metricsHandler)
	if err != nil {
		r.closeAll(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.closeAll(shutdownCtx)
	return runErr
}

// build assembles the answer pipeline and returns the root handler.
func (r *Runtime) build(ctx context.Context, metricsHandler http.Handler) (http.Handler, error) {
	cfg := r.cfg
	missing := cfg.MissingCredentials()
	if len(missing) > 0 {
		r.logger.Warn("credentials missing, serving the configuration error page", slog.Any("missing", missing))
	}

	gen, err := newGenerator(ctx, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("init llm: %w", err)
	}
	synth, err := newSynthesizer(cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("init tts: %w", err)
	}

	var dictation *stt.Dictation
	if cfg.STT.Enabled {
		recognizer, err := stt.NewRecognizer(cfg.STT)
		if err != nil {
			return nil, fmt.Errorf("init stt: %w", err)
		}
		dictation = stt.NewDictation(cfg.STT, recognizer, r.logger)
	}

	events, err := eventstore.Open(ctx, cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("init event store: %w", err)
	}
	r.events = events

	var hooks []session.Observer
	if cfg.Bus.Enabled {
		publisher, err := r.startBus(ctx)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, func(ev session.Event) { publisher.Publish(ev.Message()) })
	}

	meter := otel.Meter(meterName)
	metrics, err := session.NewMetrics(meter)
	if err != nil {
		r.logger.Warn("session metrics unavailable", slog.String("error", err.Error()))
	}

	store := media.NewStore("/audio/")
	pipeline := &session.Pipeline{
		Generator:       gen,
		Synthesizer:     synth,
		Media:           store,
		LLM:             cfg.LLM,
		Voice:           cfg.TTS.Voice,
		MaxPromptLength: cfg.Session.MaxPromptLength,
		Missing:         missing,
		Reconcile:       citation.HTML,
		Metrics:         metrics,
		Logger:          r.logger,
	}
	if cfg.EventStore.RetentionMode != eventstore.Ephemeral {
		pipeline.Recorder = events
	}
	r.sessions = session.NewManager(pipeline, cfg.Session.MaxSessions, r.logger, hooks...)
	if err := session.RegisterGauges(meter, r.sessions.Count, store.Live); err != nil {
		r.logger.Warn("session gauges unavailable", slog.String("error", err.Error()))
	}

	srv, err := api.New(api.Options{
		Title:     cfg.RuntimeName,
		Sessions:  r.sessions,
		Media:     store,
		Dictation: dictation,
		Missing:   missing,
		Search:    cfg.LLM.Mode != "ollama",
		SessionEnded: func(ctx context.Context, id string) {
			if err := events.EndSession(ctx, id); err != nil {
				r.logger.Warn("failed to end recorded session", slog.String("session_id", id), slog.String("error", err.Error()))
			}
		},
		Logger: r.logger,
	})
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	srv.Register(mux)
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	return api.Wrap(r.logger, mux), nil
}

func (r *Runtime) startBus(ctx context.Context) (*bus.Publisher, error) {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("start embedded nats: %w", err)
	}
	r.nats = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client
	return bus.NewPublisher(client, r.logger), nil
}

func (r *Runtime) closeAll(ctx context.Context) {
	if r.sessions != nil {
		r.sessions.CloseAll()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func newGenerator(ctx context.Context, cfg config.LLMConfig) (llm.Generator, error) {
	client := &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	switch cfg.Mode {
	case "gemini":
		return llm.NewGeminiGenerator(ctx, cfg, client)
	case "ollama":
		return llm.NewOllamaGenerator(cfg.Endpoint, cfg.Model, client), nil
	case "exec":
		return llm.NewExecGenerator(cfg.Command)
	case "mock":
		return llm.NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

func newSynthesizer(cfg config.TTSConfig) (tts.Synthesizer, error) {
	switch cfg.Mode {
	case "elevenlabs":
		return tts.NewElevenLabs(cfg), nil
	case "exec":
		return tts.NewExecSynth(cfg.Command, 0, 0)
	case "mock":
		return tts.NewMockSynth(0), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
