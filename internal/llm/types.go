package llm

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-ask/internal/citation"
	"github.com/loqalabs/loqa-ask/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	SessionID     string
	Prompt        string
	SearchEnabled bool
	System        string
	Model         string
	MaxTokens     int
	Temperature   float64
	TraceID       string
}

// Chunk represents streamed model output. Citations carry any grounding
// records that arrived with this chunk.
type Chunk struct {
	SessionID        string
	Text             string
	Citations        []citation.Record
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// RequestFromConfig builds a request for prompt with the configured system
// instruction, adding the search addendum when search is enabled.
func RequestFromConfig(cfg config.LLMConfig, prompt string, search bool) Request {
	return Request{
		Prompt:        prompt,
		SearchEnabled: search,
		System:        SystemInstruction(cfg, search),
		Model:         cfg.Model,
		MaxTokens:     cfg.MaxTokens,
		Temperature:   cfg.Temperature,
	}
}

// SystemInstruction joins the base instruction and, for grounded requests,
// the search addendum with a single space.
func SystemInstruction(cfg config.LLMConfig, search bool) string {
	base := strings.TrimSpace(cfg.SystemInstruction)
	if !search {
		return base
	}
	addendum := strings.TrimSpace(cfg.SearchInstruction)
	switch {
	case addendum == "":
		return base
	case base == "":
		return addendum
	}
	return base + " " + addendum
}
