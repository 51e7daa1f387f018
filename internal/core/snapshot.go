package core

import (
	"fmt"

	"PerpSettle/internal/controller"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/manager"
	"PerpSettle/internal/market"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/verifier"

	"github.com/ethereum/go-ethereum/common"
)

// SnapshotState holds the serializable in-memory state for restore.
// Markets and oracles are configuration: they must exist before Restore
// and the snapshot only carries their state.
type SnapshotState struct {
	Sequence        int64                               `json:"sequence"`
	StateHash       common.Hash                         `json:"stateHash"`
	Clock           uint64                              `json:"clock"`
	Balances        []ledger.BalanceEntry               `json:"balances"`
	Supply          []ledger.SupplyEntry                `json:"supply"`
	Oracles         map[string]oracle.KeeperOracleState `json:"oracles"`
	Factory         market.FactoryState                 `json:"factory"`
	Verifiers       map[string]verifier.VerifierState   `json:"verifiers"`
	Controller      controller.ControllerState          `json:"controller"`
	Manager         manager.ManagerState                `json:"manager"`
	SequenceState   map[string]int64                    `json:"sequenceState"`
	IdempotencyKeys []string                            `json:"idempotencyKeys"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	balances, supply := e.ledger.Snapshot()
	snap := &SnapshotState{
		Sequence:        e.sequence - 1, // Last processed sequence
		StateHash:       e.chain.Tip(),
		Clock:           e.clock.Now(),
		Balances:        balances,
		Supply:          supply,
		Oracles:         make(map[string]oracle.KeeperOracleState, len(e.oracles)),
		Factory:         e.factory.State(),
		Verifiers:       make(map[string]verifier.VerifierState, len(e.verifiers)),
		Controller:      e.controller.State(),
		Manager:         e.manager.State(),
		SequenceState:   e.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: e.idempotency.lru.GetAllKeys(),
	}
	for id, o := range e.oracles {
		snap.Oracles[id] = o.State()
	}
	for name, v := range e.verifiers {
		snap.Verifiers[name] = v.State()
	}
	return snap
}

// RestoreFromSnapshot restores the engine's in-memory state from a
// snapshot. On warm restart, load latest snapshot then replay events.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id := range snap.Oracles {
		if _, ok := e.oracles[id]; !ok {
			return fmt.Errorf("%w: %s in snapshot", ErrUnknownOracle, id)
		}
	}
	for name := range snap.Verifiers {
		if _, ok := e.verifiers[name]; !ok {
			return fmt.Errorf("%w: %s in snapshot", ErrUnknownVerifier, name)
		}
	}
	if err := e.factory.Restore(snap.Factory); err != nil {
		return fmt.Errorf("restore factory: %w", err)
	}

	// Restore sequence
	e.sequence = snap.Sequence + 1 // Next sequence to assign

	// Restore state hash chain
	e.chain.Reset(snap.StateHash)
	e.diverged = nil

	e.clock.Set(snap.Clock)
	e.ledger.Restore(snap.Balances, snap.Supply)
	for id, st := range snap.Oracles {
		e.oracles[id].Restore(st)
	}
	for name, st := range snap.Verifiers {
		e.verifiers[name].Restore(st)
	}
	e.controller.Restore(snap.Controller)
	e.manager.Restore(snap.Manager)

	// Restore sequence validator state
	for partition, next := range snap.SequenceState {
		e.sequenceValidator.RestorePartition(partition, next)
	}
	e.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	if err := e.validator.ValidateSupply(); err != nil {
		return fmt.Errorf("restored ledger: %w", err)
	}
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
// Avoids cold-path DB lookups for recently processed commands.
func (e *Engine) WarmLRU(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.lru.WarmFromKeys(keys)
}
