package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-ask/internal/apperr"
	"github.com/loqalabs/loqa-ask/internal/protocol"
	"github.com/loqalabs/loqa-ask/internal/session"
)

const (
	writeTimeout   = 5 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 20 * time.Second
	maxClientFrame = 64 << 10
	outboundBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// liveConn queues frames for one page socket. Controller observers and the
// read loop only enqueue; run is the single writer.
type liveConn struct {
	ws     *websocket.Conn
	logger *slog.Logger
	out    chan []byte

	mu     sync.Mutex
	closed bool
}

func newLiveConn(ws *websocket.Conn, logger *slog.Logger) *liveConn {
	return &liveConn{ws: ws, logger: logger, out: make(chan []byte, outboundBuffer)}
}

// send never blocks. A page that falls outboundBuffer frames behind is
// disconnected.
func (c *liveConn) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("failed to encode live message", slog.String("error", err.Error()))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- data:
	default:
		c.closed = true
		c.logger.Warn("live outbound queue full, closing connection", slog.Int("buffered", len(c.out)))
		_ = c.ws.Close()
	}
}

func (c *liveConn) sendError(kind, message string) {
	c.send(protocol.Error{Type: protocol.TypeError, Kind: kind, Message: message})
}

// run writes queued frames and keepalive pings until ctx is done or a write
// fails.
func (c *liveConn) run(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.fail(err)
				return
			}
		case data := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *liveConn) fail(err error) {
	c.logger.Debug("live write failed", slog.String("error", err.Error()))
	c.close()
	_ = c.ws.Close()
}

func (c *liveConn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if len(s.opts.Missing) > 0 {
		s.writeError(w, r, apperr.New(apperr.KindConfiguration, "missing credentials: "+strings.Join(s.opts.Missing, ", ")))
		return
	}
	ctrl, err := s.opts.Sessions.Open()
	if err != nil {
		reqID, _ := RequestIDFrom(r.Context())
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), RequestID: reqID})
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.opts.Sessions.Close(ctrl.ID())
		return
	}
	logger := s.logger.With(slog.String("session_id", ctrl.ID()))
	conn := newLiveConn(ws, logger)
	logger.Info("page connected", slog.String("remote_addr", r.RemoteAddr))

	// The writer and submit goroutines outlive a single message but not the socket.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		conn.run(ctx)
	}()
	var inflight sync.WaitGroup
	defer func() {
		cancel()
		s.opts.Sessions.Close(ctrl.ID())
		inflight.Wait()
		<-writerDone
		conn.close()
		_ = ws.Close()
		if s.opts.SessionEnded != nil {
			s.opts.SessionEnded(context.WithoutCancel(ctx), ctrl.ID())
		}
		logger.Info("page disconnected")
	}()

	stop := ctrl.Observe(func(ev session.Event) { conn.send(ev.Message()) })
	defer stop()

	conn.send(protocol.State{Type: protocol.TypeState, Turn: ctrl.Snapshot().Wire(), Timestamp: time.Now().UTC()})

	ws.SetReadLimit(maxClientFrame)
	_ = ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("live read failed", slog.String("error", err.Error()))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongTimeout))

		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.sendError(apperr.KindInput.String(), "malformed message")
			continue
		}
		switch msg.Type {
		case protocol.TypeSubmit:
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				s.submit(ctx, ctrl, conn, msg)
			}()
		case protocol.TypeReset:
			ctrl.Reset()
		default:
			conn.sendError(apperr.KindInput.String(), "unknown message type "+msg.Type)
		}
	}
}

// submit runs one turn. Generation and audio outcomes reach the page as
// state messages; only rejected submissions produce an error frame.
func (s *Server) submit(ctx context.Context, ctrl *session.Controller, conn *liveConn, msg protocol.ClientMessage) {
	_, err := ctrl.Submit(ctx, msg.Prompt, msg.Search)
	switch {
	case err == nil,
		errors.Is(err, session.ErrDiscarded),
		errors.Is(err, session.ErrClosed),
		apperr.Is(err, apperr.KindGeneration):
		return
	case errors.Is(err, session.ErrBusy):
		conn.sendError("busy", err.Error())
	default:
		kind := "internal"
		if k, ok := apperr.KindOf(err); ok {
			kind = k.String()
		}
		conn.sendError(kind, err.Error())
	}
}
