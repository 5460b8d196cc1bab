package tts

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-ask/internal/apperr"
)

var tracer = otel.Tracer("github.com/loqalabs/loqa-ask/internal/tts")

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
}

// Audio is one complete encoded clip.
type Audio struct {
	Data        []byte
	ContentType string
}

// Synthesizer is the contract for producing audio. Implementations return
// the full clip or an error; there is no partial playback.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, req SynthRequest) (Audio, error)
}

// Synthesize runs one blocking synthesis call. Failures that are not already
// classified become audio errors; there are no retries.
func Synthesize(ctx context.Context, synth Synthesizer, req SynthRequest) (Audio, error) {
	if synth == nil {
		return Audio{}, apperr.New(apperr.KindConfiguration, "speech backend is not configured")
	}
	if strings.TrimSpace(req.Text) == "" {
		return Audio{}, apperr.New(apperr.KindAudio, "nothing to synthesize")
	}

	ctx, span := tracer.Start(ctx, "tts.synthesize", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("tts.backend", synth.Name()),
		attribute.Int("tts.script_length", len(req.Text)),
	)

	audio, err := synth.Synthesize(ctx, req)
	if err == nil && len(audio.Data) == 0 {
		err = apperr.New(apperr.KindAudio, "speech backend returned no audio")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return Audio{}, err
		}
		return Audio{}, apperr.Wrap(apperr.KindAudio, "speech synthesis failed", err)
	}
	span.SetAttributes(attribute.Int("tts.audio_bytes", len(audio.Data)))
	return audio, nil
}
