package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-ask/internal/session"

var tracer = otel.Tracer(instrumentationName)

// Turn outcomes recorded on loqa.ask.turns.
const (
	OutcomeAnswered        = "answered"
	OutcomeAudioFailed     = "audio_failed"
	OutcomeGenerationError = "generation_failed"
	OutcomeDiscarded       = "discarded"
)

// Metrics holds the session instruments. A nil *Metrics records nothing.
type Metrics struct {
	turns      metric.Int64Counter
	generation metric.Float64Histogram
	synthesis  metric.Float64Histogram
}

// NewMetrics creates the instruments on meter, or on the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	turns, err := meter.Int64Counter("loqa.ask.turns",
		metric.WithDescription("Completed turns by outcome"))
	if err != nil {
		return nil, err
	}
	generation, err := meter.Float64Histogram("loqa.ask.generation.duration",
		metric.WithDescription("Time from submission to end of the answer stream"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	synthesis, err := meter.Float64Histogram("loqa.ask.synthesis.duration",
		metric.WithDescription("Time spent waiting for speech synthesis"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &Metrics{turns: turns, generation: generation, synthesis: synthesis}, nil
}

func (m *Metrics) turn(ctx context.Context, outcome string, search bool) {
	if m == nil {
		return
	}
	m.turns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("search", search),
	))
}

func (m *Metrics) generated(ctx context.Context, d time.Duration, backend string) {
	if m == nil {
		return
	}
	m.generation.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("backend", backend)))
}

func (m *Metrics) synthesized(ctx context.Context, d time.Duration, backend string) {
	if m == nil {
		return
	}
	m.synthesis.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("backend", backend)))
}

// RegisterGauges exports the live session and audio handle counts.
func RegisterGauges(meter metric.Meter, sessions func() int, handles func() int) error {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	active, err := meter.Int64ObservableGauge("loqa.ask.sessions.active",
		metric.WithDescription("Connected page sessions"))
	if err != nil {
		return err
	}
	live, err := meter.Int64ObservableGauge("loqa.ask.audio.handles",
		metric.WithDescription("Outstanding audio handles"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(active, int64(sessions()))
		o.ObserveInt64(live, int64(handles()))
		return nil
	}, active, live)
	return err
}
