package persistence

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"testing/fstest"

	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func testEnvelope(seq int64, rejected string) *event.Envelope {
	market := testutil.MarketAddress.Hex()
	return &event.Envelope{
		Sequence:       seq,
		IdempotencyKey: uuid.New().String(),
		CommandType:    event.CommandTypeMarketUpdate,
		MarketID:       &market,
		Timestamp:      1001,
		SourceSequence: 3,
		Payload:        json.RawMessage(`{"market":"` + market + `"}`),
		Records:        []event.Record{{Name: "Updated", Market: testutil.MarketAddress, Payload: map[string]interface{}{"x": "1"}}},
		Rejected:       rejected,
		StateHash:      common.Hash{byte(seq + 1)},
		PrevHash:       common.Hash{byte(seq)},
	}
}

// ============================================================================
// Test: row conversion
// ============================================================================

func TestEventRow_EnvelopeRoundTrip(t *testing.T) {
	for _, rejected := range []string{"", "market: insufficient margin"} {
		env := testEnvelope(7, rejected)
		row, err := NewEventRow(env)
		if err != nil {
			t.Fatalf("NewEventRow: %v", err)
		}
		if (row.Rejected == nil) != (rejected == "") {
			t.Errorf("rejected column: got %v for %q", row.Rejected, rejected)
		}
		if row.CommandType != "MarketUpdate" {
			t.Errorf("got command type %q", row.CommandType)
		}

		back, err := row.Envelope()
		if err != nil {
			t.Fatalf("Envelope: %v", err)
		}
		if back.Sequence != env.Sequence || back.StateHash != env.StateHash || back.PrevHash != env.PrevHash {
			t.Errorf("chain fields differ: %+v", back)
		}
		if back.Rejected != rejected || *back.MarketID != *env.MarketID || back.Timestamp != env.Timestamp {
			t.Errorf("header fields differ: %+v", back)
		}
		if len(back.Records) != 1 || back.Records[0].Name != "Updated" {
			t.Errorf("records not restored: %+v", back.Records)
		}
	}
}

func TestEventRow_UnknownCommandType(t *testing.T) {
	row := EventRow{Sequence: 1, CommandType: "Teleport"}
	if _, err := row.Envelope(); err == nil {
		t.Fatal("expected error for unknown command type")
	}
}

func TestNewJournalRows(t *testing.T) {
	owner := testutil.Address(1)
	b := ledger.NewBatch("cmd-1", 1001)
	b.Mint(ledger.JournalTypeFunding, ledger.WalletKey(owner, ledger.AssetDSU), ledger.FromUFixed6(ledger.AssetDSU, fpmath.MustParseUFixed6("2.5")))
	b.Stamp(9)

	rows := NewJournalRows([]*ledger.Batch{b})
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	r := rows[0]
	if r.Sequence != 9 || r.EventRef != "cmd-1" || r.Timestamp != 1001 {
		t.Errorf("header fields: %+v", r)
	}
	if r.Amount != "2500000000000000000" {
		t.Errorf("got amount %s, want 18-decimal DSU", r.Amount)
	}
	if r.Asset != "DSU" || r.JournalType != "funding" {
		t.Errorf("got asset %s type %s", r.Asset, r.JournalType)
	}
	if r.DebitAccount != ledger.WalletKey(owner, ledger.AssetDSU).AccountPath() {
		t.Errorf("got debit %s", r.DebitAccount)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := placeholders(3, 3); got != "($4, $5, $6)" {
		t.Errorf("got %q", got)
	}
}

// ============================================================================
// Test: migrations
// ============================================================================

func TestMigrator_ListsInOrder(t *testing.T) {
	m := NewMigrator(nil, fstest.MapFS{
		"000002_projections.up.sql": {Data: []byte("SELECT 2")},
		"000001_event_log.up.sql":   {Data: []byte("SELECT 1")},
		"000001_event_log.down.sql": {Data: []byte("SELECT 0")},
		"README.md":                 {Data: []byte("notes")},
	}, zerolog.Nop())

	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"000001_event_log.up.sql", "000002_projections.up.sql"}
	if len(files) != len(want) || files[0] != want[0] || files[1] != want[1] {
		t.Errorf("got %v, want %v", files, want)
	}
	if v := extractVersion(files[1]); v != "000002" {
		t.Errorf("got version %q", v)
	}
}

// ============================================================================
// Test: Postgres round trip (integration)
// ============================================================================

func TestEventLog_PostgresRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := NewMigrator(db, os.DirFS("../../migrations"), zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	env := testEnvelope(0, "")
	row, err := NewEventRow(env)
	if err != nil {
		t.Fatalf("NewEventRow: %v", err)
	}
	w := NewEventLogWriter(db)
	if err := w.WriteEventBatch(ctx, db, []EventRow{row}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Idempotent on sequence
	if err := w.WriteEventBatch(ctx, db, []EventRow{row}); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	dup, err := NewPostgresIdempotencyChecker(db).IsDuplicate("MarketUpdate", env.IdempotencyKey)
	if err != nil || !dup {
		t.Errorf("expected duplicate, got %v %v", dup, err)
	}

	sm := NewSnapshotManager(db)
	if _, err := sm.SaveSnapshot(ctx, 0, env.StateHash, map[string]int{"sequence": 0}); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	var state map[string]int
	seq, found, err := sm.LoadLatestSnapshot(ctx, &state)
	if err != nil || !found || seq != 0 {
		t.Fatalf("load snapshot: seq=%d found=%v err=%v", seq, found, err)
	}

	events, err := sm.LoadEventsFrom(ctx, 0, 10)
	if err != nil || len(events) != 1 {
		t.Fatalf("load events: %d %v", len(events), err)
	}
	back, err := events[0].Envelope()
	if err != nil || back.StateHash != env.StateHash {
		t.Errorf("logged envelope differs: %v", err)
	}

	keys, err := sm.RecentIdempotencyKeys(ctx, 10)
	if err != nil || len(keys) != 1 || keys[0] != "MarketUpdate:"+env.IdempotencyKey {
		t.Errorf("got keys %v err %v", keys, err)
	}
}
