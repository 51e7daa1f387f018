package ingestion

import (
	"context"
	"fmt"

	"PerpSettle/internal/event"

	"github.com/nats-io/nats.go/jetstream"
)

// CommandSubmitter injects commands from the HTTP gateway. Commands are
// validated here, then published on their inbound subject so they reach the
// core through the same ordered consumer as every other producer. The
// command id doubles as the JetStream message id, so resubmits within the
// stream's duplicate window are dropped by NATS.
type CommandSubmitter struct {
	js jetstream.JetStream
}

func NewCommandSubmitter(js jetstream.JetStream) *CommandSubmitter {
	return &CommandSubmitter{js: js}
}

// Submit validates data as a command of type ct and publishes it. It
// returns the stream sequence of the accepted message.
func (s *CommandSubmitter) Submit(ctx context.Context, ct event.CommandType, data []byte) (event.Command, uint64, error) {
	cmd, err := ParseCommand(ct, data)
	if err != nil {
		return nil, 0, err
	}

	subject := CommandSubject(ct)
	if id := cmd.MarketID(); id != nil {
		subject += "." + *id
	}

	ack, err := s.js.Publish(ctx, subject, data, jetstream.WithMsgID(cmd.IdempotencyKey()))
	if err != nil {
		return nil, 0, fmt.Errorf("publish %s: %w", subject, err)
	}
	return cmd, ack.Sequence, nil
}
