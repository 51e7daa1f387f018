package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PerpSettle/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Outbound subjects follow perp.settle.events.{record}.{market}. Records
// without a market use GlobalPartition.
const (
	OutboundStream  = "PERP_SETTLE_EVENTS"
	OutboundPrefix  = "perp.settle.events."
	GlobalPartition = "global"

	// RecordCommandRejected is published for envelopes the core rejected.
	RecordCommandRejected = "CommandRejected"
)

// OutboundPublisher publishes processed records to NATS for downstream
// consumers. Publishing is best effort: consumers that miss a message can
// read the event log.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan *event.Envelope
	logger    zerolog.Logger
}

// PublishableRecord is one record with the envelope context it came from.
type PublishableRecord struct {
	Sequence       int64        `json:"sequence"`
	Index          int          `json:"index"`
	CommandType    string       `json:"commandType"`
	IdempotencyKey string       `json:"idempotencyKey"`
	Timestamp      uint64       `json:"timestamp"`
	StateHash      common.Hash  `json:"stateHash"`
	Record         event.Record `json:"record"`
	Rejected       string       `json:"rejected,omitempty"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan *event.Envelope, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger.With().Str("component", "publisher").Logger(),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			for _, msg := range Outbound(env) {
				if err := op.publish(ctx, msg); err != nil {
					op.logger.Warn().Err(err).Int64("sequence", env.Sequence).Str("record", msg.Record.Name).Msg("outbound publish failed")
				}
			}
		}
	}
}

// Outbound expands an envelope into the messages published for it.
func Outbound(env *event.Envelope) []PublishableRecord {
	base := PublishableRecord{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Timestamp:      env.Timestamp,
		StateHash:      env.StateHash,
	}
	if env.Rejected != "" {
		base.Record = event.Record{Name: RecordCommandRejected}
		base.Rejected = env.Rejected
		return []PublishableRecord{base}
	}

	msgs := make([]PublishableRecord, 0, len(env.Records))
	for i, r := range env.Records {
		msg := base
		msg.Index = i
		msg.Record = r
		msgs = append(msgs, msg)
	}
	return msgs
}

// Subject returns the outbound subject of a record.
func Subject(r event.Record) string {
	partition := GlobalPartition
	if r.Market != (common.Address{}) {
		partition = r.Market.Hex()
	}
	return OutboundPrefix + r.Name + "." + partition
}

func (op *OutboundPublisher) publish(ctx context.Context, msg PublishableRecord) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	msgID := fmt.Sprintf("%d:%d", msg.Sequence, msg.Index)
	_, err = op.js.Publish(ctx, Subject(msg.Record), data, jetstream.WithMsgID(msgID))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{OutboundPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
