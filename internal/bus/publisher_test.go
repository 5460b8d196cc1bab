package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-ask/internal/config"
	"github.com/loqalabs/loqa-ask/internal/natsserver"
	"github.com/loqalabs/loqa-ask/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) *Client {
	t.Helper()
	logger := testLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestPublisherRoutesBySubject(t *testing.T) {
	client := startBus(t)
	if !client.Healthy() {
		t.Fatal("expected a healthy connection")
	}
	if client.JetStream() == nil {
		t.Fatal("expected the turn stream to be provisioned")
	}

	fragments := make(chan *nats.Msg, 4)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectTurnFragment, fragments)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pub := NewPublisher(client, testLogger())
	pub.Publish(protocol.Fragment{Type: protocol.TypeFragment, SessionID: "s1", TurnID: "t1", Text: "hello "})
	pub.Publish(struct{ Unknown string }{"dropped"})

	select {
	case msg := <-fragments:
		var got protocol.Fragment
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.TurnID != "t1" || got.Text != "hello " {
			t.Fatalf("unexpected fragment %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fragment was not delivered")
	}
}

func TestTurnStateRetained(t *testing.T) {
	client := startBus(t)
	pub := NewPublisher(client, testLogger())
	pub.Publish(&protocol.State{Type: protocol.TypeState, Turn: protocol.Turn{ID: "t1", State: "ready"}})
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := client.JetStream().StreamInfo(TurnStream)
		if err != nil {
			t.Fatalf("stream info: %v", err)
		}
		if info.State.Msgs == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one retained state message, got %d", info.State.Msgs)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, testLogger()); err == nil {
		t.Fatal("expected an error without servers")
	}
}

func TestNilPublisherIsNoop(t *testing.T) {
	var pub *Publisher
	pub.Publish(protocol.Fragment{})
}
