// Package core runs the single-writer settlement pipeline. Every inbound
// command passes idempotency and source-sequence checks, advances the
// versioned clock, is dispatched to the settlement components and leaves a
// hash-chained envelope on the persist and publish channels.
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"PerpSettle/internal/controller"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/manager"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/verifier"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// DefaultLRUCapacity is the tier-1 idempotency cache size.
const DefaultLRUCapacity = 1_000_000

// Components is the settlement state the engine drives. Every component
// must share Clock and Ledger.
type Components struct {
	Clock      *oracle.ManualClock
	Ledger     *ledger.BalanceTracker
	Factory    *market.Factory
	Oracles    map[string]*oracle.KeeperOracle
	Controller *controller.Controller
	Manager    *manager.Manager
}

// Config wires an engine.
type Config struct {
	StartSequence int64
	Components    Components
	PersistChan   chan<- CoreOutput
	PublishChan   chan<- CoreOutput
	DBChecker     DBIdempotencyChecker
	LRUCapacity   int
	Logger        zerolog.Logger
	Metrics       *observability.Metrics
}

// CoreOutput is one envelope and the ledger batches applied under it.
type CoreOutput struct {
	Envelope *event.Envelope
	Batches  []*ledger.Batch
}

// Engine is the single-writer command processor. ProcessCommand calls are
// serialized; component reads may run concurrently.
type Engine struct {
	mu sync.Mutex

	sequence          int64
	chain             *HashChain
	clock             *oracle.ManualClock
	ledger            *ledger.BalanceTracker
	validator         *ledger.InvariantValidator
	factory           *market.Factory
	oracles           map[string]*oracle.KeeperOracle
	oracleIDs         []string
	controller        *controller.Controller
	manager           *manager.Manager
	verifiers         map[string]*verifier.Verifier
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	logger            zerolog.Logger
	metrics           *observability.Metrics

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput

	// set when a replayed envelope did not reproduce; cleared by a restore
	diverged error

	// collected from component sinks while a command is applied
	records []event.Record
	batches []*ledger.Batch
}

func NewEngine(cfg Config) *Engine {
	c := cfg.Components
	capacity := cfg.LRUCapacity
	if capacity <= 0 {
		capacity = DefaultLRUCapacity
	}
	logger := cfg.Logger.With().Str("component", "core").Logger()

	e := &Engine{
		sequence:          cfg.StartSequence,
		chain:             NewHashChain(),
		clock:             c.Clock,
		ledger:            c.Ledger,
		validator:         ledger.NewInvariantValidator(c.Ledger),
		factory:           c.Factory,
		oracles:           c.Oracles,
		controller:        c.Controller,
		manager:           c.Manager,
		idempotency:       NewIdempotencyChecker(capacity, cfg.DBChecker, logger, cfg.Metrics),
		sequenceValidator: NewSequenceValidator(cfg.Metrics),
		logger:            logger,
		metrics:           cfg.Metrics,
		persistChan:       cfg.PersistChan,
		publishChan:       cfg.PublishChan,
	}
	for id := range c.Oracles {
		e.oracleIDs = append(e.oracleIDs, id)
	}
	sort.Strings(e.oracleIDs)

	e.verifiers = map[string]*verifier.Verifier{
		event.VerifierMarket:     c.Factory.Verifier(),
		event.VerifierController: c.Controller.Verifier(),
		event.VerifierManager:    c.Manager.Verifier(),
	}

	c.Ledger.SetJournalSink(func(b *ledger.Batch) { e.batches = append(e.batches, b) })
	c.Factory.SetRecordSink(func(r event.Record) { e.records = append(e.records, r) })
	for name, v := range e.verifiers {
		name := name
		v.SetUsageSink(func(u verifier.Usage) { e.records = append(e.records, usageRecord(name, u)) })
	}
	return e
}

// ProcessCommand is the main processing pipeline. A command rejected by the
// settlement components is still logged, with its reason, so that replay
// reproduces the clock and oracle expiry it caused; the rejection is
// returned to the caller.
func (e *Engine) ProcessCommand(cmd event.Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.diverged != nil {
		return fmt.Errorf("%w: %v", ErrDiverged, e.diverged)
	}

	start := time.Now()
	commandType := cmd.CommandType().String()
	idempotencyKey := cmd.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := e.idempotency.IsDuplicate(commandType, idempotencyKey)

	// Step 2: Sequence validation
	if oc, ok := cmd.(*event.OracleCommit); ok {
		if e.sequenceValidator.ValidatePriceSequence(oc.Oracle, oc.SourceSequence()) {
			isDuplicate = true
		}
	} else if err := e.sequenceValidator.ValidateSequence(partition(cmd), cmd.SourceSequence(), isDuplicate); err != nil {
		e.reject(commandType, "sequence")
		return fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		e.reject(commandType, "duplicate")
		return nil
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", commandType, err)
	}

	// Step 3-5: apply, hash and emit
	output, applyErr := e.apply(cmd, payload)
	e.emit(output)

	// Step 6: Mark as processed (add to LRU)
	e.idempotency.MarkProcessed(commandType, idempotencyKey)

	if e.metrics != nil {
		e.metrics.CommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
	}
	if applyErr != nil {
		e.reject(commandType, market.Label(applyErr))
		e.logger.Debug().Err(applyErr).Str("command_type", commandType).Str("key", idempotencyKey).Msg("command rejected")
		return fmt.Errorf("%s %s: %w", commandType, idempotencyKey, applyErr)
	}
	if e.metrics != nil {
		e.metrics.CommandsApplied.WithLabelValues(commandType).Inc()
	}
	return nil
}

// Replay re-applies a logged envelope during recovery. Nothing is emitted;
// the recomputed state hash must equal the logged one. Components are
// mutated before the hash can be compared, so a mismatch leaves the engine
// diverged: every later Replay or ProcessCommand fails until
// RestoreFromSnapshot.
func (e *Engine) Replay(env *event.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.diverged != nil {
		return fmt.Errorf("%w: %v", ErrDiverged, e.diverged)
	}
	if env.Sequence != e.sequence {
		return fmt.Errorf("%w: envelope %d, engine at %d", ErrReplayMismatch, env.Sequence, e.sequence)
	}
	cmd, err := event.Decode(env.CommandType, env.Payload)
	if err != nil {
		return err
	}
	commandType := cmd.CommandType().String()

	if oc, ok := cmd.(*event.OracleCommit); ok {
		e.sequenceValidator.ValidatePriceSequence(oc.Oracle, oc.SourceSequence())
	} else if err := e.sequenceValidator.ValidateSequence(partition(cmd), cmd.SourceSequence(), false); err != nil {
		return fmt.Errorf("replay %d: %w", env.Sequence, err)
	}

	output, _ := e.apply(cmd, env.Payload)
	e.idempotency.MarkProcessed(commandType, cmd.IdempotencyKey())

	switch {
	case output.Envelope.Rejected != env.Rejected:
		e.diverged = fmt.Errorf("%w: sequence %d rejected %q, logged %q", ErrReplayMismatch, env.Sequence, output.Envelope.Rejected, env.Rejected)
	case output.Envelope.StateHash != env.StateHash:
		e.diverged = fmt.Errorf("%w: sequence %d", ErrStateHashMismatch, env.Sequence)
	}
	if e.diverged != nil {
		e.logger.Error().Err(e.diverged).Int64("sequence", env.Sequence).Msg("replay diverged from the log")
		return e.diverged
	}
	if e.metrics != nil {
		e.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

// apply runs one command against the components and seals the result
// into an envelope at the current sequence.
func (e *Engine) apply(cmd event.Command, payload []byte) (CoreOutput, error) {
	e.records = nil
	e.batches = nil

	e.advanceClock(cmd.Timestamp())
	applyErr := e.dispatch(cmd)

	// Post-check: the ledger must stay conserved whatever the outcome
	if err := e.validator.ValidateSupply(); err != nil {
		panic(fmt.Sprintf("FATAL: ledger invariant violated at sequence %d: %v", e.sequence, err))
	}

	for _, b := range e.batches {
		b.Stamp(e.sequence)
	}

	rejected := ""
	if applyErr != nil {
		rejected = applyErr.Error()
	}

	hashStart := time.Now()
	digest := e.computeStateDigest(e.batches, e.records, rejected)
	prevHash, stateHash := e.chain.Link(e.sequence, digest)
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
		for _, r := range e.records {
			e.metrics.CoreRecords.WithLabelValues(r.Name).Inc()
		}
	}

	output := CoreOutput{
		Envelope: &event.Envelope{
			Sequence:       e.sequence,
			IdempotencyKey: cmd.IdempotencyKey(),
			CommandType:    cmd.CommandType(),
			MarketID:       cmd.MarketID(),
			Timestamp:      e.clock.Now(),
			SourceSequence: cmd.SourceSequence(),
			Payload:        payload,
			Records:        e.records,
			Rejected:       rejected,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Batches: e.batches,
	}
	e.records = nil
	e.batches = nil
	e.sequence++
	return output, applyErr
}

// advanceClock moves the versioned clock to the command timestamp and
// expires oracle requests that timed out by then. The clock never moves
// backwards.
func (e *Engine) advanceClock(timestamp uint64) {
	e.clock.Set(timestamp)
	for _, id := range e.oracleIDs {
		e.oracles[id].Expire()
	}
}

// emit sends output to persistence (blocking, backpressure) and to the
// publish fan-out (non-blocking, dropped when full).
func (e *Engine) emit(output CoreOutput) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (e *Engine) reject(commandType, reason string) {
	if e.metrics != nil {
		e.metrics.CommandsRejected.WithLabelValues(commandType, reason).Inc()
	}
}

// partition determines the partition key for sequence validation
func partition(cmd event.Command) string {
	if marketID := cmd.MarketID(); marketID != nil {
		return "market:" + *marketID
	}
	return "global"
}

// computeStateDigest creates canonical bytes for the state hash: the clock,
// the balance of every account the batches touched, the records and the
// rejection reason.
func (e *Engine) computeStateDigest(batches []*ledger.Batch, records []event.Record, rejected string) []byte {
	affected := make(map[ledger.AccountKey]bool)
	for _, b := range batches {
		for _, j := range b.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, 8+len(accounts)*96)
	digest = appendUint64LE(digest, e.clock.Now())

	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		balance := e.ledger.GetBalance(key).Bytes32()
		digest = append(digest, balance[:]...)
	}

	encoded, err := json.Marshal(records)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode records at sequence %d: %v", e.sequence, err))
	}
	digest = append(digest, encoded...)
	digest = append(digest, rejected...)
	return digest
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// GetSequence returns the next sequence to assign.
func (e *Engine) GetSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() common.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chain.Tip()
}

// Components returns the state the engine drives, for read-only use.
func (e *Engine) Components() Components {
	return Components{
		Clock:      e.clock,
		Ledger:     e.ledger,
		Factory:    e.factory,
		Oracles:    e.oracles,
		Controller: e.controller,
		Manager:    e.manager,
	}
}

// Verifier returns a verifier by command name.
func (e *Engine) Verifier(name string) (*verifier.Verifier, error) {
	v, ok := e.verifiers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVerifier, name)
	}
	return v, nil
}

// dispatch routes a command to its handler, converting arithmetic
// overflow into an error.
func (e *Engine) dispatch(cmd event.Command) (err error) {
	defer fpmath.Recover(&err)

	switch c := cmd.(type) {
	case *event.OracleCommit:
		return e.handleOracleCommit(c)
	case *event.MarketUpdate:
		return e.handleMarketUpdate(c)
	case *event.SignedTake:
		return e.handleSignedTake(c)
	case *event.ClaimFees:
		return e.handleClaimFees(c)
	case *event.ControllerAction:
		return e.handleControllerAction(c)
	case *event.TriggerOrderAction:
		return e.handleTriggerOrderAction(c)
	case *event.CancelNonce:
		return e.handleCancelNonce(c)
	case *event.ParameterUpdate:
		return e.handleParameterUpdate(c)
	case *event.WalletFunding:
		return e.handleWalletFunding(c)
	default:
		return fmt.Errorf("%w: command %T", ErrUnknownAction, cmd)
	}
}

// decode unmarshals a command payload, tagging failures as invalid payload.
func decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// IsRejection reports whether err came from the settlement components
// rather than from pipeline validation.
func IsRejection(err error) bool {
	return err != nil && !errors.Is(err, ErrOutOfOrder) && !errors.Is(err, ErrSequenceGap)
}
