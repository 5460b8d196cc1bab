package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-ask/internal/protocol"
)

// Publisher fans turn events out to NATS subscribers.
type Publisher struct {
	client *Client
	logger *slog.Logger
}

func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger.With(slog.String("component", "bus-publisher"))}
}

// Publish sends a fragment or state message on its subject. Publishing is
// fire and forget; failures are logged, never returned to the turn.
func (p *Publisher) Publish(msg any) {
	if p == nil || p.client == nil {
		return
	}
	subject, err := subjectFor(msg)
	if err != nil {
		p.logger.Warn("dropping bus message", slog.String("error", err.Error()))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Warn("failed to encode bus message", slog.String("error", err.Error()))
		return
	}
	if err := p.client.Conn().Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish bus message", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func subjectFor(msg any) (string, error) {
	switch msg.(type) {
	case protocol.Fragment, *protocol.Fragment:
		return protocol.SubjectTurnFragment, nil
	case protocol.State, *protocol.State:
		return protocol.SubjectTurnState, nil
	default:
		return "", fmt.Errorf("no subject for %T", msg)
	}
}
