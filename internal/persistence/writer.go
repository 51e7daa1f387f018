package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes envelopes and journals to Postgres using multi-row
// INSERTs. Writes are idempotent on sequence and journal id.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	MarketID       *string
	Payload        []byte // JSON-encoded command
	Records        []byte // JSON-encoded records
	Rejected       *string
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string // decimal, native token units
	JournalType   string
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// NewEventRow flattens an envelope for storage.
func NewEventRow(env *event.Envelope) (EventRow, error) {
	records, err := json.Marshal(env.Records)
	if err != nil {
		return EventRow{}, fmt.Errorf("marshal records %d: %w", env.Sequence, err)
	}
	if env.Records == nil {
		records = []byte("[]")
	}
	row := EventRow{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Payload:        env.Payload,
		Records:        records,
		StateHash:      env.StateHash.Bytes(),
		PrevHash:       env.PrevHash.Bytes(),
		Timestamp:      int64(env.Timestamp),
		SourceSequence: env.SourceSequence,
	}
	if env.Rejected != "" {
		rejected := env.Rejected
		row.Rejected = &rejected
	}
	return row, nil
}

// Envelope rebuilds the logged envelope for replay. Records are not needed
// for replay and are decoded with untyped payloads.
func (r EventRow) Envelope() (*event.Envelope, error) {
	ct, ok := event.ParseCommandType(r.CommandType)
	if !ok {
		return nil, fmt.Errorf("event %d: unknown command type %q", r.Sequence, r.CommandType)
	}
	env := &event.Envelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		CommandType:    ct,
		MarketID:       r.MarketID,
		Timestamp:      uint64(r.Timestamp),
		SourceSequence: r.SourceSequence,
		Payload:        r.Payload,
		StateHash:      common.BytesToHash(r.StateHash),
		PrevHash:       common.BytesToHash(r.PrevHash),
	}
	if r.Rejected != nil {
		env.Rejected = *r.Rejected
	}
	if len(r.Records) > 0 {
		if err := json.Unmarshal(r.Records, &env.Records); err != nil {
			return nil, fmt.Errorf("event %d: records: %w", r.Sequence, err)
		}
	}
	return env, nil
}

// NewJournalRows flattens the journals of every batch.
func NewJournalRows(batches []*ledger.Batch) []JournalRow {
	var rows []JournalRow
	for _, b := range batches {
		for _, j := range b.Journals {
			rows = append(rows, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         j.Asset.String(),
				Amount:        j.Amount.Dec(),
				JournalType:   j.JournalType.String(),
				Timestamp:     int64(j.Timestamp),
			})
		}
	}
	return rows
}

// WriteEventBatch writes a batch of envelopes to event_log.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const columns = 11
	query := `INSERT INTO event_log.events
		(sequence, command_type, idempotency_key, market_id, payload, records, rejected, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*columns)

	for i, e := range events {
		values = append(values, placeholders(i*columns, columns))
		args = append(args,
			e.Sequence, e.CommandType, e.IdempotencyKey, e.MarketID,
			e.Payload, e.Records, e.Rejected, e.StateHash, e.PrevHash,
			e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const columns = 10
	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*columns)

	for i, j := range journals {
		values = append(values, placeholders(i*columns, columns))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", base+i)
	}
	sb.WriteByte(')')
	return sb.String()
}
