package stt

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-ask/internal/apperr"
	"github.com/loqalabs/loqa-ask/internal/config"
)

// Dictation turns an uploaded WAV recording into prompt text.
type Dictation struct {
	cfg        config.STTConfig
	recognizer Recognizer
	logger     *slog.Logger
}

func NewDictation(cfg config.STTConfig, recognizer Recognizer, logger *slog.Logger) *Dictation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dictation{cfg: cfg, recognizer: recognizer, logger: logger.With(slog.String("component", "dictation"))}
}

// NewRecognizer builds the backend selected by cfg.Mode.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecRecognizer(cfg)
	case "mock", "":
		return NewMockRecognizer(), nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

// Enabled reports whether the page should offer the dictation affordance.
func (d *Dictation) Enabled() bool {
	return d != nil && d.cfg.Enabled && d.recognizer != nil
}

// MaxUploadBytes is the largest recording Transcribe accepts.
func (d *Dictation) MaxUploadBytes() int64 {
	if d == nil || d.cfg.MaxUploadKB <= 0 {
		return 0
	}
	return int64(d.cfg.MaxUploadKB) * 1024
}

// Transcribe decodes a WAV upload and runs the recognizer. Every failure is
// an input error carrying the HTTP status the page should see.
func (d *Dictation) Transcribe(ctx context.Context, upload []byte) (string, error) {
	if !d.Enabled() {
		return "", apperr.New(apperr.KindInput, "dictation is not supported by this server").WithStatus(http.StatusNotImplemented)
	}
	if limit := d.MaxUploadBytes(); limit > 0 && int64(len(upload)) > limit {
		return "", apperr.New(apperr.KindInput, "the recording is too long").WithStatus(http.StatusRequestEntityTooLarge)
	}

	clip, err := DecodeWAV(upload)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInput, "the recording could not be decoded", err).WithStatus(http.StatusBadRequest)
	}
	level := RMS(clip.Samples)
	if level < float64(d.cfg.MinSpeechRMS) {
		d.logger.Debug("dictation below speech threshold", slog.Float64("rms", level), slog.Duration("duration", clip.Duration()))
		return "", apperr.New(apperr.KindInput, "no speech was detected in the recording").WithStatus(http.StatusUnprocessableEntity)
	}

	start := time.Now()
	result, err := d.recognizer.Transcribe(ctx, clip)
	if err != nil {
		d.logger.Warn("transcription failed", slog.String("error", err.Error()))
		return "", apperr.Wrap(apperr.KindInput, "transcription failed", err).WithStatus(http.StatusBadGateway)
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return "", apperr.New(apperr.KindInput, "no speech was recognized in the recording").WithStatus(http.StatusUnprocessableEntity)
	}
	d.logger.Info("dictation transcribed",
		slog.Duration("audio", clip.Duration()),
		slog.Duration("latency", time.Since(start)),
		slog.Int("chars", len(text)),
	)
	return text, nil
}

// DecodeWAV reads a PCM WAV file and scales its samples to 16-bit range.
func DecodeWAV(data []byte) (Clip, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		if err := dec.Err(); err != nil {
			return Clip{}, fmt.Errorf("invalid wav: %w", err)
		}
		return Clip{}, fmt.Errorf("invalid wav")
	}
	if dec.WavAudioFormat != 1 {
		return Clip{}, fmt.Errorf("unsupported wav encoding %d, want PCM", dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("read pcm: %w", err)
	}
	if len(buf.Data) == 0 {
		return Clip{}, fmt.Errorf("wav has no samples")
	}
	depth := int(dec.BitDepth)
	samples := make([]int, len(buf.Data))
	for i, v := range buf.Data {
		switch {
		case depth == 8:
			samples[i] = (v - 128) << 8
		case depth > 16:
			samples[i] = v >> (depth - 16)
		default:
			samples[i] = v
		}
	}
	return Clip{Samples: samples, SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels}, nil
}

// RMS is the root mean square level of 16-bit samples.
func RMS(samples []int) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
