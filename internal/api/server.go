// Package api exposes the question page, its live websocket channel, the
// audio handles and the dictation endpoint over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-ask/internal/media"
	"github.com/loqalabs/loqa-ask/internal/session"
	"github.com/loqalabs/loqa-ask/internal/stt"
)

// Options configures a Server.
type Options struct {
	Title     string
	Sessions  *session.Manager
	Media     *media.Store
	Dictation *stt.Dictation
	// Missing lists absent credential variables; while set, the page is
	// replaced by the configuration error page.
	Missing []string
	Search  bool
	// SessionEnded runs after a page disconnects and its session closed.
	SessionEnded func(ctx context.Context, sessionID string)
	Logger       *slog.Logger
}

// Server handles the page facing HTTP surface.
type Server struct {
	opts   Options
	logger *slog.Logger
}

// New creates the API server.
func New(opts Options) (*Server, error) {
	if opts.Sessions == nil {
		return nil, errors.New("api: session manager is required")
	}
	if opts.Media == nil {
		return nil, errors.New("api: media store is required")
	}
	if opts.Title == "" {
		opts.Title = "Loqa Ask"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{opts: opts, logger: logger.With(slog.String("component", "api"))}, nil
}

// Register adds the page routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.Handle("GET /static/", staticHandler())
	mux.HandleFunc("GET /ws", s.handleLive)
	mux.HandleFunc("GET /audio/{id}", s.handleAudio)
	mux.HandleFunc("POST /api/dictation", s.handleDictation)
	mux.HandleFunc("GET /api/status", s.handleStatus)
}

// Handler returns the routes wrapped in the standard middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return Wrap(s.logger, mux)
}

// Wrap applies request ids, panic recovery and access logging.
func Wrap(logger *slog.Logger, h http.Handler) http.Handler {
	return RequestID(Recover(logger, AccessLog(logger, h)))
}
