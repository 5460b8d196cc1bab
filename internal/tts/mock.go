package tts

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-ask/internal/media"
)

// mockSynth returns a short silent WAV clip, roughly scaled to the script.
type mockSynth struct {
	sampleRate int
	delay      time.Duration
}

func NewMockSynth(sampleRate int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &mockSynth{sampleRate: sampleRate, delay: 10 * time.Millisecond}
}

func (m *mockSynth) Name() string { return "mock" }

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(m.delay):
	}
	ms := 20 * len(req.Text)
	if ms > 5000 {
		ms = 5000
	}
	data, err := media.Silence(ms, m.sampleRate)
	if err != nil {
		return Audio{}, err
	}
	return Audio{Data: data, ContentType: media.ContentTypeWAV}, nil
}
