package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// CommandStream holds every inbound command subject.
const CommandStream = "PERP_COMMANDS"

// NATSSubscriber subscribes to NATS JetStream subjects and feeds commands
// into the deterministic core via rawChan. NATS JetStream is the primary
// ingestion surface; each command type has its own subject and consumer.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawCommand
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

// RawCommand is the undecoded command from NATS, ready for the shell to
// validate and convert into a typed event.Command before it reaches the
// core.
type RawCommand struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
	TermFunc  func() // Call when the message can never be applied
}

// SubjectConfig maps a NATS subject to a command type.
type SubjectConfig struct {
	Subject      string
	CommandType  event.CommandType
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one subject per command type under
// perp.commands.>. A trailing partition token is allowed.
func DefaultSubjects() []SubjectConfig {
	types := []event.CommandType{
		event.CommandTypeOracleCommit,
		event.CommandTypeMarketUpdate,
		event.CommandTypeSignedTake,
		event.CommandTypeControllerAction,
		event.CommandTypeTriggerOrderAction,
		event.CommandTypeCancelNonce,
		event.CommandTypeParameterUpdate,
		event.CommandTypeWalletFunding,
		event.CommandTypeClaimFees,
	}
	subjects := make([]SubjectConfig, 0, len(types))
	for _, ct := range types {
		subjects = append(subjects, SubjectConfig{
			Subject:      CommandSubject(ct),
			CommandType:  ct,
			ConsumerName: "settle-" + ct.String(),
			StreamName:   CommandStream,
		})
	}
	return subjects
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawCommand, logger zerolog.Logger, metrics *observability.Metrics) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		logger:  logger.With().Str("component", "nats").Logger(),
		metrics: metrics,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s, and one
// message in flight so source order is preserved.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:        cfg.ConsumerName,
			FilterSubjects: []string{cfg.Subject, cfg.Subject + ".>"},
			AckPolicy:      jetstream.AckExplicitPolicy,
			AckWait:        30 * time.Second,
			MaxDeliver:     5,
			DeliverPolicy:  jetstream.DeliverAllPolicy,
			MaxAckPending:  1,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		subject := cfg.Subject
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			start := time.Now()
			raw := RawCommand{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: start,
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.NakWithDelay(time.Second) },
				TermFunc:  func() { msg.Term() },
			}

			select {
			case ns.rawChan <- raw:
				if ns.metrics != nil {
					ns.metrics.NATSPullLatency.WithLabelValues(subject).Observe(time.Since(start).Seconds())
				}
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the command stream if it doesn't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       CommandStream,
		Subjects:   []string{SubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", CommandStream, err)
	}
	logger.Info().Str("stream", CommandStream).Msg("ensured stream")
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpsettle"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

// CommandProcessor is the single-writer core.
type CommandProcessor interface {
	ProcessCommand(cmd event.Command) error
}

// Dispatcher drains raw commands, parses them and hands them to the core
// one at a time, then settles the NATS message:
//   - applied, duplicate or rejected by settlement (logged): ACK
//   - ahead of its partition's sequence: NAK, redelivered later
//   - malformed or behind its partition's sequence: TERM
type Dispatcher struct {
	processor CommandProcessor
	rawChan   <-chan RawCommand
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewDispatcher(processor CommandProcessor, rawChan <-chan RawCommand, logger zerolog.Logger, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		processor: processor,
		rawChan:   rawChan,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		metrics:   metrics,
	}
}

// Run blocks until ctx is cancelled or the raw channel is closed.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.rawChan:
			if !ok {
				return nil
			}
			d.handle(raw)
		}
	}
}

// Outcome labels for the NATS message counter.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
	OutcomeRetry    = "retry"
	OutcomeInvalid  = "invalid"
)

func (d *Dispatcher) handle(raw RawCommand) string {
	ct, _ := CommandTypeFromSubject(raw.Subject)

	cmd, err := ParseRawCommand(raw)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		d.count(ct, OutcomeInvalid)
		settle(raw.TermFunc)
		return OutcomeInvalid
	}

	outcome := Classify(d.processor.ProcessCommand(cmd))
	switch outcome {
	case OutcomeRetry:
		settle(raw.NakFunc)
	case OutcomeInvalid:
		d.logger.Warn().Str("subject", raw.Subject).Str("key", cmd.IdempotencyKey()).Msg("command behind its sequence")
		settle(raw.TermFunc)
	default:
		settle(raw.AckFunc)
	}
	d.count(ct, outcome)
	return outcome
}

// Classify maps a ProcessCommand result to how the message is settled.
func Classify(err error) string {
	switch {
	case err == nil:
		return OutcomeApplied
	case errors.Is(err, core.ErrSequenceGap):
		return OutcomeRetry
	case errors.Is(err, core.ErrOutOfOrder):
		return OutcomeInvalid
	default:
		return OutcomeRejected
	}
}

func (d *Dispatcher) count(ct event.CommandType, outcome string) {
	if d.metrics != nil {
		d.metrics.NATSMessages.WithLabelValues(ct.String(), outcome).Inc()
	}
}

func settle(f func()) {
	if f != nil {
		f()
	}
}
