package llm

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-ask/internal/citation"
)

const mockSourceURI = "https://example.com/loqa-ask/mock-source"

// mockGenerator streams a canned answer word by word. Grounded requests get
// one citation anchored at the end of the first sentence.
type mockGenerator struct {
	delay time.Duration
}

func NewMockGenerator() Generator { return &mockGenerator{delay: 5 * time.Millisecond} }

func (m *mockGenerator) Name() string { return "mock" }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	answer := "This is a mock answer about " + strings.TrimSpace(req.Prompt) + "."
	anchor := len(answer)
	answer += " Would you like to explore this further?"

	start := time.Now()
	words := strings.SplitAfter(answer, " ")
	for i, word := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		chunk := Chunk{
			SessionID: req.SessionID,
			Text:      word,
			Partial:   i < len(words)-1,
			Latency:   time.Since(start),
			TraceID:   req.TraceID,
		}
		if !chunk.Partial && req.SearchEnabled {
			chunk.Citations = []citation.Record{{URI: mockSourceURI, Title: "Mock source", EndIndex: anchor}}
		}
		if err := consumer(chunk); err != nil {
			return err
		}
	}
	return nil
}
