package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-ask/internal/apperr"
	"github.com/loqalabs/loqa-ask/internal/media"
	"github.com/loqalabs/loqa-ask/internal/protocol"
	"github.com/loqalabs/loqa-ask/internal/web"
)

// ErrorResponse is the JSON body of a failed API request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func staticHandler() http.Handler {
	return web.Static()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if len(s.opts.Missing) > 0 {
		if err := web.ConfigError(w, s.opts.Title, s.opts.Missing); err != nil {
			s.logger.Error("failed to render configuration page", slog.String("error", err.Error()))
		}
		return
	}
	web.Index(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	missing := s.opts.Missing
	if missing == nil {
		missing = []string{}
	}
	writeJSON(w, http.StatusOK, protocol.Status{
		MissingCredentials: missing,
		Dictation:          s.opts.Dictation.Enabled(),
		Search:             s.opts.Search,
	})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	clip, err := s.opts.Media.Get(r.PathValue("id"))
	if errors.Is(err, media.ErrReleased) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", clip.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(clip.Data)))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(clip.Data)
}

func (s *Server) handleDictation(w http.ResponseWriter, r *http.Request) {
	body := io.Reader(r.Body)
	if limit := s.opts.Dictation.MaxUploadBytes(); limit > 0 {
		// one extra byte lets Transcribe see the upload is oversized
		body = io.LimitReader(r.Body, limit+1)
	}
	upload, err := io.ReadAll(body)
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindInput, "failed to read the recording", err).WithStatus(http.StatusBadRequest))
		return
	}
	text, err := s.opts.Dictation.Transcribe(r.Context(), upload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Transcript{Text: text})
}

// StatusFor maps an error to the HTTP status the page sees.
func StatusFor(err error) int {
	kind, ok := apperr.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case apperr.KindConfiguration:
		return http.StatusServiceUnavailable
	case apperr.KindInput:
		if status := apperr.StatusOf(err); status >= 400 {
			return status
		}
		return http.StatusBadRequest
	case apperr.KindGeneration, apperr.KindAudio:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	reqID, _ := RequestIDFrom(r.Context())
	resp := ErrorResponse{Error: err.Error(), RequestID: reqID}
	if kind, ok := apperr.KindOf(err); ok {
		resp.Kind = kind.String()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed",
			slog.String("request_id", reqID),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
