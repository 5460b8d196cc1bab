package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loqalabs/loqa-ask/internal/apperr"
	"github.com/loqalabs/loqa-ask/internal/config"
)

const (
	defaultElevenLabsBase = "https://api.elevenlabs.io"
	contentTypeMPEG       = "audio/mpeg"
)

// ElevenLabsOption configures the ElevenLabs client.
type ElevenLabsOption func(*ElevenLabsClient)

// WithHTTPClient replaces the HTTP client used for synthesis requests.
func WithHTTPClient(client *http.Client) ElevenLabsOption {
	return func(c *ElevenLabsClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL points the client at another API host.
func WithBaseURL(base string) ElevenLabsOption {
	return func(c *ElevenLabsClient) {
		if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
			c.baseURL = base
		}
	}
}

// WithHTTPTimeout sets the HTTP client timeout for synthesis requests.
func WithHTTPTimeout(d time.Duration) ElevenLabsOption {
	return func(c *ElevenLabsClient) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// VoiceSettings mirrors the voice_settings object of the text-to-speech API.
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// ElevenLabsClient synthesizes a full script with one blocking request.
type ElevenLabsClient struct {
	apiKey     string
	baseURL    string
	voice      string
	model      string
	settings   VoiceSettings
	httpClient *http.Client
}

func NewElevenLabs(cfg config.TTSConfig, opts ...ElevenLabsOption) *ElevenLabsClient {
	c := &ElevenLabsClient{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: defaultElevenLabsBase,
		voice:   cfg.Voice,
		model:   cfg.Model,
		settings: VoiceSettings{
			Stability:       cfg.Stability,
			SimilarityBoost: cfg.SimilarityBoost,
			Style:           cfg.Style,
			UseSpeakerBoost: cfg.SpeakerBoost,
		},
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	opts = append([]ElevenLabsOption{WithBaseURL(cfg.BaseURL)}, opts...)
	if cfg.TimeoutMS > 0 {
		opts = append(opts, WithHTTPTimeout(time.Duration(cfg.TimeoutMS)*time.Millisecond))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ElevenLabsClient) Name() string { return "elevenlabs" }

type elevenLabsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings VoiceSettings `json:"voice_settings"`
}

type elevenLabsError struct {
	Detail struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"detail"`
}

func (c *ElevenLabsClient) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	if config.CredentialMissing(c.apiKey) {
		return Audio{}, apperr.New(apperr.KindConfiguration, "ElevenLabs API key is missing or still a placeholder")
	}
	voice := req.Voice
	if voice == "" {
		voice = c.voice
	}

	body, err := json.Marshal(elevenLabsRequest{Text: req.Text, ModelID: c.model, VoiceSettings: c.settings})
	if err != nil {
		return Audio{}, fmt.Errorf("encode synthesis request: %w", err)
	}
	endpoint := c.baseURL + "/v1/text-to-speech/" + url.PathEscape(voice)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Audio{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Accept", contentTypeMPEG)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Audio{}, apperr.Wrap(apperr.KindAudio, "ElevenLabs request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return Audio{}, apperr.New(apperr.KindAudio, "the provided ElevenLabs API key is invalid or missing").WithStatus(resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Audio{}, apperr.New(apperr.KindAudio, "ElevenLabs request failed: "+failureDetail(resp)).WithStatus(resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, apperr.Wrap(apperr.KindAudio, "reading ElevenLabs audio", err)
	}
	if len(data) == 0 {
		return Audio{}, apperr.New(apperr.KindAudio, "ElevenLabs returned an empty audio body").WithStatus(resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "application/json") {
		contentType = contentTypeMPEG
	}
	return Audio{Data: data, ContentType: contentType}, nil
}

// failureDetail prefers detail.message from the JSON error body and falls
// back to the HTTP status text.
func failureDetail(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload elevenLabsError
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Detail.Message != "" {
		return payload.Detail.Message
	}
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return resp.Status
}
