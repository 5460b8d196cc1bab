package llm

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-ask/internal/apperr"
	"github.com/loqalabs/loqa-ask/internal/citation"
)

var tracer = otel.Tracer("github.com/loqalabs/loqa-ask/internal/llm")

// Result is the outcome of one completed stream.
type Result struct {
	FullText  string
	Citations []citation.Record
}

// Stream runs a single streaming call against gen. onFragment receives the
// text of each non-empty chunk, in arrival order, before Stream returns.
// Citation records are collected in arrival order without deduplication.
//
// Backend failures are returned as generation errors prefixed with
// "failed to get response from <backend>"; configuration errors raised by the
// backend before any network call pass through unchanged. There are no retries.
func Stream(ctx context.Context, gen Generator, req Request, onFragment func(string)) (Result, error) {
	if gen == nil {
		return Result{}, apperr.New(apperr.KindConfiguration, "generation backend is not configured")
	}

	ctx, span := tracer.Start(ctx, "llm.stream", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.backend", gen.Name()),
		attribute.Bool("llm.search", req.SearchEnabled),
	)

	var text strings.Builder
	var citations []citation.Record
	fragments := 0
	err := gen.Generate(ctx, req, func(chunk Chunk) error {
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			fragments++
			if onFragment != nil {
				onFragment(chunk.Text)
			}
		}
		citations = append(citations, chunk.Citations...)
		return nil
	})
	span.SetAttributes(
		attribute.Int("llm.fragments", fragments),
		attribute.Int("llm.citations", len(citations)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		if apperr.Is(err, apperr.KindConfiguration) {
			return Result{}, err
		}
		return Result{}, apperr.Wrap(apperr.KindGeneration, "failed to get response from "+gen.Name(), err)
	}
	if text.Len() == 0 {
		span.SetStatus(codes.Error, "empty response")
		return Result{}, apperr.New(apperr.KindGeneration, "received an empty response from the model")
	}
	return Result{FullText: text.String(), Citations: citations}, nil
}
