package query

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/manager"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/projection"
	"PerpSettle/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// ============================================================================
// Test: queries over a rebuilt projection (integration)
// ============================================================================

func TestQueryService_RebuiltProjection(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := persistence.NewMigrator(db, os.DirFS("../../migrations"), zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	owner := testutil.Address(1)
	marketID := testutil.MarketAddress.Hex()

	funding := ledger.NewBatch("fund-1", 1001)
	funding.Mint(ledger.JournalTypeFunding, ledger.WalletKey(owner, ledger.AssetDSU),
		ledger.FromUFixed6(ledger.AssetDSU, fpmath.MustParseUFixed6("2.5")))
	funding.Stamp(0)

	first := &event.Envelope{
		Sequence:       0,
		IdempotencyKey: "fund-1",
		CommandType:    event.CommandTypeWalletFunding,
		Timestamp:      1001,
		Payload:        json.RawMessage(`{}`),
		StateHash:      common.Hash{1},
	}
	second := &event.Envelope{
		Sequence:       1,
		IdempotencyKey: "update-1",
		CommandType:    event.CommandTypeMarketUpdate,
		MarketID:       &marketID,
		Timestamp:      1002,
		Payload:        json.RawMessage(`{}`),
		PrevHash:       common.Hash{1},
		StateHash:      common.Hash{2},
		Records: []event.Record{
			{
				Name:    market.RecordUpdated,
				Market:  testutil.MarketAddress,
				Account: owner,
				Payload: market.Updated{Timestamp: 1000, Long: fpmath.MustParseUFixed6("3"), Collateral: fpmath.MustParseFixed6("100")},
			},
			{
				Name:    core.RecordNonceUsed,
				Account: owner,
				Payload: core.NonceUsage{Verifier: "market", Value: uint256.NewInt(42)},
			},
			{
				Name:    core.RecordTriggerOrderPlaced,
				Market:  testutil.MarketAddress,
				Account: owner,
				Payload: manager.OrderEntry{
					Market:  testutil.MarketAddress,
					Account: owner,
					ID:      1,
					Order:   manager.TriggerOrder{Side: manager.SideLong, Comparison: manager.LTE, Price: fpmath.MustParseFixed6("900"), Delta: manager.CloseAll},
				},
			},
		},
	}

	var rows []persistence.EventRow
	for _, env := range []*event.Envelope{first, second} {
		row, err := persistence.NewEventRow(env)
		if err != nil {
			t.Fatalf("NewEventRow: %v", err)
		}
		rows = append(rows, row)
	}
	w := persistence.NewEventLogWriter(db)
	if err := w.WriteEventBatch(ctx, db, rows); err != nil {
		t.Fatalf("write events: %v", err)
	}
	if err := w.WriteJournalBatch(ctx, db, persistence.NewJournalRows([]*ledger.Batch{funding})); err != nil {
		t.Fatalf("write journals: %v", err)
	}
	if err := projection.RebuildProjections(ctx, db, zerolog.Nop()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	qs := NewQueryService(db)

	balances, err := qs.GetWalletBalances(ctx, owner)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if len(balances) != 1 || balances[0].Asset != "DSU" || balances[0].Amount != "2.5" {
		t.Errorf("got balances %+v", balances)
	}

	positions, err := qs.GetPositions(ctx, owner)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 || positions[0].Long != "3" || positions[0].AsOfSequence != 1 {
		t.Errorf("got positions %+v", positions)
	}

	placed := projection.OrderPlaced
	orders, err := qs.GetTriggerOrders(ctx, owner, &placed)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(orders) != 1 || orders[0].OrderID != 1 || orders[0].Side != int16(manager.SideLong) {
		t.Errorf("got orders %+v", orders)
	}

	nonces, err := qs.GetUsedNonces(ctx, owner, nil, 10)
	if err != nil {
		t.Fatalf("nonces: %v", err)
	}
	if len(nonces) != 1 || nonces[0].Value != "42" {
		t.Errorf("got nonces %+v", nonces)
	}

	history, err := qs.GetJournalHistory(ctx, owner, 10, nil)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].JournalType != "funding" {
		t.Errorf("got history %+v", history)
	}

	events, err := qs.GetEvents(ctx, 0, &testutil.MarketAddress, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Sequence != 1 {
		t.Errorf("got events %+v", events)
	}

	report, err := qs.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("integrity: %v", err)
	}
	if !report.IsHealthy || report.LatestSequence != 1 || report.ProjectionLag != 0 {
		t.Errorf("got report %+v", report)
	}
}
