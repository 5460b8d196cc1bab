package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-ask/internal/protocol"
)

// socketPair returns the server and client ends of one websocket.
func socketPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- ws
	}))
	t.Cleanup(ts.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	select {
	case server := <-accepted:
		t.Cleanup(func() { _ = server.Close() })
		return server, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side was not accepted")
	}
	return nil, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLiveConnWritesQueuedFrames(t *testing.T) {
	server, client := socketPair(t)
	conn := newLiveConn(server, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.run(ctx)

	conn.send(protocol.Fragment{Type: protocol.TypeFragment, TurnID: "t1", Text: "one"})
	conn.send(protocol.Fragment{Type: protocol.TypeFragment, TurnID: "t1", Text: "two"})

	for _, want := range []string{"one", "two"} {
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg protocol.Fragment
		if err := client.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Text != want {
			t.Fatalf("expected %q, got %q", want, msg.Text)
		}
	}
}

func TestLiveConnSendNeverBlocks(t *testing.T) {
	server, _ := socketPair(t)
	conn := newLiveConn(server, discardLogger())

	// No writer is running, so the queue fills and the page is dropped.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < outboundBuffer+10; i++ {
			conn.send(protocol.Fragment{Type: protocol.TypeFragment, TurnID: "t1", Text: "x"})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("send blocked on a stalled page")
	}

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Fatal("expected the connection to be closed after the queue overflowed")
	}
}
