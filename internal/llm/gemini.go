package llm

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/loqalabs/loqa-ask/internal/apperr"
	"github.com/loqalabs/loqa-ask/internal/citation"
	"github.com/loqalabs/loqa-ask/internal/config"
)

type geminiStreamFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

type geminiGenerator struct {
	model  string
	stream geminiStreamFunc
}

// NewGeminiGenerator builds the Gemini backend. The client is created once
// here and owned by the generator. Without a usable API key the generator is
// still returned, but every call fails with a configuration error.
func NewGeminiGenerator(ctx context.Context, cfg config.LLMConfig, httpClient *http.Client) (Generator, error) {
	g := &geminiGenerator{model: cfg.Model}
	if config.CredentialMissing(cfg.APIKey) {
		return g, nil
	}
	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	g.stream = client.Models.GenerateContentStream
	return g, nil
}

func (g *geminiGenerator) Name() string { return "gemini" }

func (g *geminiGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	if g.stream == nil {
		return apperr.New(apperr.KindConfiguration, "gemini API key is missing or still a placeholder")
	}

	model := req.Model
	if model == "" {
		model = g.model
	}
	start := time.Now()
	for resp, err := range g.stream(ctx, model, genai.Text(req.Prompt), generateConfig(req)) {
		if err != nil {
			return err
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
			continue
		}
		chunk := Chunk{
			SessionID: req.SessionID,
			Text:      resp.Text(),
			Citations: groundingRecords(resp.Candidates[0].GroundingMetadata),
			Partial:   resp.Candidates[0].FinishReason == "",
			Latency:   time.Since(start),
			TraceID:   req.TraceID,
		}
		if usage := resp.UsageMetadata; usage != nil {
			chunk.PromptTokens = int(usage.PromptTokenCount)
			chunk.CompletionTokens = int(usage.CandidatesTokenCount)
		}
		if err := consumer(chunk); err != nil {
			return err
		}
	}
	return nil
}

func generateConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.SearchEnabled {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		cfg.Temperature = &temp
	}
	return cfg
}

// groundingRecords emits one record per (support, referenced web chunk) pair,
// anchored at the support's segment end. Web chunks no support references are
// emitted last with EndIndex -1 so they still appear as sources.
func groundingRecords(md *genai.GroundingMetadata) []citation.Record {
	if md == nil || len(md.GroundingChunks) == 0 {
		return nil
	}
	chunks := md.GroundingChunks
	referenced := make([]bool, len(chunks))
	var records []citation.Record
	for _, support := range md.GroundingSupports {
		if support == nil || support.Segment == nil {
			continue
		}
		for _, idx := range support.GroundingChunkIndices {
			i := int(idx)
			if i < 0 || i >= len(chunks) {
				continue
			}
			web := webSource(chunks[i])
			if web == nil {
				continue
			}
			referenced[i] = true
			records = append(records, citation.Record{
				URI:      web.URI,
				Title:    webTitle(web),
				EndIndex: int(support.Segment.EndIndex),
			})
		}
	}
	for i, chunk := range chunks {
		if referenced[i] {
			continue
		}
		if web := webSource(chunk); web != nil {
			records = append(records, citation.Record{URI: web.URI, Title: webTitle(web), EndIndex: -1})
		}
	}
	return records
}

func webSource(chunk *genai.GroundingChunk) *genai.GroundingChunkWeb {
	if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
		return nil
	}
	return chunk.Web
}

func webTitle(web *genai.GroundingChunkWeb) string {
	if web.Title != "" {
		return web.Title
	}
	if web.Domain != "" {
		return web.Domain
	}
	return web.URI
}
