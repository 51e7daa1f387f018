package core_test

import (
	"encoding/json"
	"errors"
	"testing"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/manager"
	"PerpSettle/internal/market"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	f6 = testutil.F6
	u6 = testutil.U6

	maker    = testutil.Address(1)
	trader   = testutil.Address(2)
	stranger = testutil.Address(4)
)

// --- Test helpers ---

// newTestEngine wires an engine over a fresh settlement harness with
// buffered channels and no DB checker.
func newTestEngine(t *testing.T) (*core.Engine, *testutil.SettlementHarness, chan core.CoreOutput) {
	t.Helper()
	h := testutil.NewSettlementHarness(t, u6("1"))
	persistChan := make(chan core.CoreOutput, 1024)
	e := core.NewEngine(core.Config{
		Components: core.Components{
			Clock:      h.Clock,
			Ledger:     h.Ledger,
			Factory:    h.Factory,
			Oracles:    map[string]*oracle.KeeperOracle{"eth-usd": h.Oracle},
			Controller: h.Controller,
			Manager:    h.Manager,
		},
		PersistChan: persistChan,
		LRUCapacity: 1024,
		Logger:      zerolog.Nop(),
	})
	return e, h, persistChan
}

func header(seq int64, timestamp uint64) event.Header {
	return event.Header{CommandID: uuid.New(), Sequence: seq, Time: timestamp}
}

func funding(owner common.Address, amount string, seq int64) *event.WalletFunding {
	return &event.WalletFunding{
		Header: header(seq, 1001),
		Owner:  owner,
		Asset:  "DSU",
		Amount: u6(amount),
	}
}

func openMaker(seq int64) *event.MarketUpdate {
	return &event.MarketUpdate{
		Header:     header(seq, 1001),
		Market:     testutil.MarketAddress,
		Sender:     maker,
		Account:    maker,
		Maker:      market.Magnitude(u6("10")),
		Collateral: f6("1000"),
	}
}

func commit(version uint64, price string, seq int64) *event.OracleCommit {
	return &event.OracleCommit{
		Header:  header(seq, version+1),
		Oracle:  "eth-usd",
		Version: version,
		Price:   f6(price),
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func mustProcess(t *testing.T, e *core.Engine, cmd event.Command) {
	t.Helper()
	if err := e.ProcessCommand(cmd); err != nil {
		t.Fatalf("ProcessCommand %s failed: %v", cmd.CommandType(), err)
	}
}

func hasRecord(records []event.Record, name string) bool {
	for _, r := range records {
		if r.Name == name {
			return true
		}
	}
	return false
}

// ============================================================================
// Test: Wallet funding
// ============================================================================

func TestWalletFunding_MintsIntoWallet(t *testing.T) {
	e, h, persistCh := newTestEngine(t)

	mustProcess(t, e, funding(maker, "1000", 1))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if len(outputs[0].Batches) != 1 || len(outputs[0].Batches[0].Journals) != 1 {
		t.Fatalf("expected one batch with one journal")
	}
	if outputs[0].Batches[0].Sequence != 0 {
		t.Errorf("batch not stamped with the envelope sequence: %d", outputs[0].Batches[0].Sequence)
	}
	if !hasRecord(outputs[0].Envelope.Records, core.RecordWalletFunded) {
		t.Errorf("missing %s record", core.RecordWalletFunded)
	}
	if got := h.Balance(ledger.WalletKey(maker, ledger.AssetDSU)); got != u6("1000") {
		t.Errorf("expected wallet 1000, got %s", got)
	}
}

func TestWalletFunding_RejectionIsLogged(t *testing.T) {
	e, _, persistCh := newTestEngine(t)

	withdraw := funding(maker, "5", 1)
	withdraw.Withdraw = true
	err := e.ProcessCommand(withdraw)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if !core.IsRejection(err) {
		t.Error("component failure should count as a rejection")
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("rejected command should still be logged, got %d outputs", len(outputs))
	}
	env := outputs[0].Envelope
	if env.Rejected == "" {
		t.Error("envelope should carry the rejection reason")
	}
	if len(outputs[0].Batches) != 0 {
		t.Errorf("rejected command applied %d batches", len(outputs[0].Batches))
	}
	if e.GetSequence() != 1 {
		t.Errorf("sequence should advance past a rejection, got %d", e.GetSequence())
	}

	zero := funding(maker, "0", 2)
	if err := e.ProcessCommand(zero); !errors.Is(err, core.ErrInvalidPayload) {
		t.Errorf("expected invalid payload for zero amount, got %v", err)
	}
}

// ============================================================================
// Test: Market flow
// ============================================================================

func TestMarketUpdate_OpensAndSettlesOnCommit(t *testing.T) {
	e, h, persistCh := newTestEngine(t)

	mustProcess(t, e, funding(maker, "1000", 1))
	mustProcess(t, e, openMaker(1))

	outputs := drainOutputs(persistCh)
	update := outputs[len(outputs)-1]
	if update.Envelope.MarketID == nil || *update.Envelope.MarketID != testutil.MarketAddress.Hex() {
		t.Fatalf("market update should carry its market id")
	}
	if !hasRecord(update.Envelope.Records, market.RecordUpdated) {
		t.Errorf("missing %s record", market.RecordUpdated)
	}
	if got := h.Balance(ledger.MarketKey(testutil.MarketAddress, ledger.AssetDSU)); got != u6("1000") {
		t.Errorf("expected market vault 1000, got %s", got)
	}

	mustProcess(t, e, commit(1010, "110", 1))
	outputs = drainOutputs(persistCh)
	if !hasRecord(outputs[0].Envelope.Records, core.RecordOracleCommitted) {
		t.Errorf("missing %s record", core.RecordOracleCommitted)
	}
	if h.Clock.Now() != 1011 {
		t.Errorf("clock should follow the command timestamp, got %d", h.Clock.Now())
	}

	h.Settle(maker)
	if pos := h.Market.Positions(maker); pos.Maker != u6("10") {
		t.Errorf("expected settled maker 10, got %s", pos.Maker)
	}
}

func TestMarketUpdate_DeltaAndMagnitudesExclusive(t *testing.T) {
	e, _, _ := newTestEngine(t)

	u := openMaker(1)
	u.Delta = &event.Delta{Taker: f6("1")}
	if err := e.ProcessCommand(u); !errors.Is(err, core.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
}

// ============================================================================
// Test: Oracle commits
// ============================================================================

func TestOracleCommit_StaleIgnored(t *testing.T) {
	e, _, persistCh := newTestEngine(t)

	mustProcess(t, e, commit(1010, "110", 5))
	drainOutputs(persistCh)

	// A lower oracle sequence is a silent no-op, gaps are tolerated
	if err := e.ProcessCommand(commit(1020, "120", 3)); err != nil {
		t.Fatalf("stale commit should not error: %v", err)
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Errorf("expected no output for stale commit, got %d", len(outputs))
	}
	mustProcess(t, e, commit(1020, "120", 9))
}

func TestOracleCommit_UnknownOracle(t *testing.T) {
	e, _, _ := newTestEngine(t)

	c := commit(1010, "110", 1)
	c.Oracle = "btc-usd"
	if err := e.ProcessCommand(c); !errors.Is(err, core.ErrUnknownOracle) {
		t.Fatalf("expected unknown oracle, got %v", err)
	}
}

// ============================================================================
// Test: Idempotency and ordering
// ============================================================================

func TestIdempotency_DuplicateIgnored(t *testing.T) {
	e, _, persistCh := newTestEngine(t)

	cmd := funding(maker, "10", 1)
	mustProcess(t, e, cmd)
	if outputs := drainOutputs(persistCh); len(outputs) != 1 {
		t.Fatalf("expected 1 output on first process, got %d", len(outputs))
	}

	if err := e.ProcessCommand(cmd); err != nil {
		t.Fatalf("duplicate should not error: %v", err)
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Errorf("expected 0 outputs for duplicate, got %d", len(outputs))
	}
}

func TestSequenceValidation_GapDetected(t *testing.T) {
	e, _, persistCh := newTestEngine(t)

	mustProcess(t, e, funding(maker, "10", 1))
	drainOutputs(persistCh)

	err := e.ProcessCommand(funding(maker, "10", 3))
	if !errors.Is(err, core.ErrSequenceGap) {
		t.Fatalf("expected sequence gap, got %v", err)
	}
	if core.IsRejection(err) {
		t.Error("sequence failures are not component rejections")
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Errorf("gap should not be logged, got %d outputs", len(outputs))
	}

	// Market partitions are independent of the global one
	mustProcess(t, e, funding(maker, "1000", 2))
	mustProcess(t, e, openMaker(1))
}

func TestSequenceValidation_UnsequencedAccepted(t *testing.T) {
	e, _, _ := newTestEngine(t)

	mustProcess(t, e, funding(maker, "10", 0))
	mustProcess(t, e, funding(maker, "10", 0))
	mustProcess(t, e, funding(maker, "10", 1))
}

// ============================================================================
// Test: Controller, manager and nonce commands
// ============================================================================

func TestControllerAction_DeployAndDeposit(t *testing.T) {
	e, h, persistCh := newTestEngine(t)

	usdc := funding(maker, "50", 1)
	usdc.Asset = "USDC"
	mustProcess(t, e, usdc)

	mustProcess(t, e, &event.ControllerAction{
		Header: header(2, 1001),
		Action: event.ControllerDeploy,
		Owner:  maker,
	})
	args, _ := json.Marshal(event.ControllerArgs{Amount: f6("50")})
	mustProcess(t, e, &event.ControllerAction{
		Header:  header(3, 1001),
		Action:  event.ControllerDeposit,
		Owner:   maker,
		Payload: args,
	})

	outputs := drainOutputs(persistCh)
	if !hasRecord(outputs[1].Envelope.Records, core.RecordControllerAction) {
		t.Errorf("missing %s record", core.RecordControllerAction)
	}
	if got := h.Controller.Balance(maker).USDC; got != u6("50") {
		t.Errorf("expected account USDC 50, got %s", got)
	}

	err := e.ProcessCommand(&event.ControllerAction{Header: header(4, 1001), Action: "explode", Owner: maker})
	if !errors.Is(err, core.ErrUnknownAction) {
		t.Errorf("expected unknown action, got %v", err)
	}
}

func TestTriggerOrderAction_PlaceAndCancel(t *testing.T) {
	e, h, persistCh := newTestEngine(t)

	order, _ := json.Marshal(manager.TriggerOrder{
		Side:       manager.SideLong,
		Comparison: manager.GTE,
		Price:      f6("120"),
		Delta:      f6("1"),
	})
	mustProcess(t, e, &event.TriggerOrderAction{
		Header:  header(1, 1001),
		Action:  event.TriggerPlace,
		Market:  testutil.MarketAddress,
		Account: trader,
		OrderID: 7,
		Payload: order,
	})
	if _, ok := h.Manager.Order(testutil.MarketAddress, trader, 7); !ok {
		t.Fatal("order not stored")
	}

	mustProcess(t, e, &event.TriggerOrderAction{
		Header:  header(2, 1001),
		Action:  event.TriggerCancel,
		Market:  testutil.MarketAddress,
		Account: trader,
		OrderID: 7,
	})

	outputs := drainOutputs(persistCh)
	if !hasRecord(outputs[0].Envelope.Records, core.RecordTriggerOrderPlaced) {
		t.Errorf("missing %s record", core.RecordTriggerOrderPlaced)
	}
	if !hasRecord(outputs[1].Envelope.Records, core.RecordTriggerOrderCancelled) {
		t.Errorf("missing %s record", core.RecordTriggerOrderCancelled)
	}
	if o, _ := h.Manager.Order(testutil.MarketAddress, trader, 7); !o.IsSpent {
		t.Error("cancelled order should be spent")
	}
}

func TestCancelNonce_EmitsUsage(t *testing.T) {
	e, h, persistCh := newTestEngine(t)

	nonce := uint256.NewInt(42)
	mustProcess(t, e, &event.CancelNonce{
		Header:   header(1, 1001),
		Verifier: event.VerifierManager,
		Account:  trader,
		Nonce:    nonce,
	})

	outputs := drainOutputs(persistCh)
	if !hasRecord(outputs[0].Envelope.Records, core.RecordNonceCancelled) {
		t.Errorf("missing %s record", core.RecordNonceCancelled)
	}
	if !h.Manager.Verifier().NonceUsed(trader, *nonce) {
		t.Error("nonce should be used")
	}

	err := e.ProcessCommand(&event.CancelNonce{Header: header(2, 1001), Verifier: "vault", Account: trader, Nonce: nonce})
	if !errors.Is(err, core.ErrUnknownVerifier) {
		t.Errorf("expected unknown verifier, got %v", err)
	}
}

// ============================================================================
// Test: Parameter updates
// ============================================================================

func TestParameterUpdate_OwnerOnly(t *testing.T) {
	e, h, persistCh := newTestEngine(t)

	pp, _ := json.Marshal(testutil.DefaultProtocolParameter())
	err := e.ProcessCommand(&event.ParameterUpdate{Header: header(1, 1001), Scope: event.ScopeProtocol, Sender: stranger, Payload: pp})
	if !errors.Is(err, core.ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}

	ext, _ := json.Marshal(core.ExtensionUpdate{Extension: stranger, Approved: true})
	mustProcess(t, e, &event.ParameterUpdate{Header: header(2, 1001), Scope: event.ScopeExtension, Sender: testutil.FactoryOwner, Payload: ext})
	if !h.Factory.IsOperator(maker, stranger) {
		t.Error("extension should operate for every account")
	}

	access, _ := json.Marshal(map[string]interface{}{"accessor": trader.Hex(), "approved": true})
	mustProcess(t, e, &event.ParameterUpdate{Header: header(3, 1001), Scope: event.ScopeOperator, Sender: maker, Payload: access})
	if !h.Factory.IsOperator(maker, trader) {
		t.Error("operator not approved")
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outputs))
	}
	if !hasRecord(outputs[2].Envelope.Records, core.RecordAccessUpdated) {
		t.Errorf("missing %s record", core.RecordAccessUpdated)
	}
}

// ============================================================================
// Test: State hash chain and recovery
// ============================================================================

func scenario(seqOffset int64) []event.Command {
	return []event.Command{
		funding(maker, "1000", seqOffset+1),
		openMaker(seqOffset + 1),
		commit(1010, "110", seqOffset+1),
		&event.ClaimFees{Header: header(seqOffset+2, 1011), Market: testutil.MarketAddress, Sender: stranger},
	}
}

func TestStateHashChain_Deterministic(t *testing.T) {
	commands := scenario(0)

	run := func() []core.CoreOutput {
		e, _, persistCh := newTestEngine(t)
		for _, cmd := range commands {
			_ = e.ProcessCommand(cmd)
		}
		return drainOutputs(persistCh)
	}

	first, second := run(), run()
	if len(first) != len(commands) || len(second) != len(commands) {
		t.Fatalf("expected %d outputs, got %d and %d", len(commands), len(first), len(second))
	}
	if first[0].Envelope.PrevHash != core.GenesisHash {
		t.Errorf("first envelope prev hash: got %x, want genesis", first[0].Envelope.PrevHash)
	}
	for i := range first {
		if first[i].Envelope.StateHash != second[i].Envelope.StateHash {
			t.Errorf("hash %d differs: %x vs %x", i, first[i].Envelope.StateHash, second[i].Envelope.StateHash)
		}
		if i > 0 && first[i].Envelope.PrevHash != first[i-1].Envelope.StateHash {
			t.Errorf("envelope %d does not chain to its predecessor", i)
		}
	}
}

func TestReplay_ReproducesLog(t *testing.T) {
	e, _, persistCh := newTestEngine(t)
	for _, cmd := range scenario(0) {
		_ = e.ProcessCommand(cmd)
	}
	outputs := drainOutputs(persistCh)

	replayed, _, replayCh := newTestEngine(t)
	for _, o := range outputs {
		if err := replayed.Replay(o.Envelope); err != nil {
			t.Fatalf("replay %d: %v", o.Envelope.Sequence, err)
		}
	}
	if len(drainOutputs(replayCh)) != 0 {
		t.Error("replay must not emit")
	}
	if replayed.GetStateHash() != e.GetStateHash() {
		t.Error("replayed chain tip differs")
	}

	skipping, _, _ := newTestEngine(t)
	if err := skipping.Replay(outputs[1].Envelope); !errors.Is(err, core.ErrReplayMismatch) {
		t.Errorf("expected replay mismatch for a skipped sequence, got %v", err)
	}
	if err := skipping.Replay(outputs[0].Envelope); err != nil {
		t.Errorf("a rejected out-of-order envelope must not advance the engine: %v", err)
	}
}

func TestReplay_MismatchLeavesEngineDiverged(t *testing.T) {
	e, _, persistCh := newTestEngine(t)
	for _, cmd := range scenario(0) {
		_ = e.ProcessCommand(cmd)
	}
	outputs := drainOutputs(persistCh)

	fresh, _, _ := newTestEngine(t)
	tampered := *outputs[0].Envelope
	tampered.StateHash = common.Hash{1}
	if err := fresh.Replay(&tampered); !errors.Is(err, core.ErrStateHashMismatch) {
		t.Fatalf("expected state hash mismatch, got %v", err)
	}

	// The next envelope lines up with the advanced sequence but must not
	// replay on top of unverified state.
	err := fresh.Replay(outputs[1].Envelope)
	if !errors.Is(err, core.ErrDiverged) {
		t.Fatalf("expected diverged engine, got %v", err)
	}
	if err := fresh.ProcessCommand(scenario(10)[0]); !errors.Is(err, core.ErrDiverged) {
		t.Errorf("expected diverged engine on process, got %v", err)
	}

	if err := fresh.RestoreFromSnapshot(e.CreateSnapshotState()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := fresh.ProcessCommand(&event.ClaimFees{Header: header(3, 1012), Market: testutil.MarketAddress, Sender: stranger}); errors.Is(err, core.ErrDiverged) {
		t.Errorf("restore should clear divergence, got %v", err)
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	e, _, _ := newTestEngine(t)
	for _, cmd := range scenario(0) {
		_ = e.ProcessCommand(cmd)
	}

	raw, err := json.Marshal(e.CreateSnapshotState())
	if err != nil {
		t.Fatalf("encode snapshot: %v", err)
	}
	var snap core.SnapshotState
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}

	restored, h, _ := newTestEngine(t)
	if err := restored.RestoreFromSnapshot(&snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.GetSequence() != e.GetSequence() {
		t.Errorf("sequence: %d vs %d", restored.GetSequence(), e.GetSequence())
	}
	if restored.GetStateHash() != e.GetStateHash() {
		t.Error("chain tip not restored")
	}
	if got := h.Market.Local(maker).Collateral; got != f6("1000") {
		t.Errorf("market state not restored, collateral %s", got)
	}

	// Both engines continue identically
	next := funding(trader, "5", 2)
	mustProcess(t, e, next)
	mustProcess(t, restored, next)
	if restored.GetStateHash() != e.GetStateHash() {
		t.Error("engines diverged after restore")
	}
}

func TestHashChain_Link(t *testing.T) {
	a, b := core.NewHashChain(), core.NewHashChain()

	prev, next := a.Link(0, []byte("digest"))
	if prev != core.GenesisHash {
		t.Errorf("prev: got %x, want genesis", prev)
	}
	if a.Tip() != next {
		t.Error("tip does not follow the linked hash")
	}

	// Same digest at another sequence gives another hash.
	if _, other := b.Link(1, []byte("digest")); other == next {
		t.Error("sequence is not bound into the hash")
	}

	b.Reset(next)
	_, x := a.Link(1, []byte("more"))
	_, y := b.Link(1, []byte("more"))
	if x != y {
		t.Errorf("reset chain diverged: %x vs %x", x, y)
	}
}
