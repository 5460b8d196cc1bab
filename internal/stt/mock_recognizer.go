package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, clip Clip) (TranscriptResult, error) {
	return TranscriptResult{
		Text:       fmt.Sprintf("[mock transcript %.1fs]", clip.Duration().Seconds()),
		Confidence: 0,
	}, nil
}
