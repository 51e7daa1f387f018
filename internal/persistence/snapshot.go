package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// snapshotFormat is the format_version of JSON-encoded engine state.
const snapshotFormat = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot only becomes loadable once the event log has caught up with
// its sequence; until then a restart would lose the envelopes in between.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists state taken after sequence, then verifies it if the
// event log already reaches that far. It returns the encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, sequence int64, stateHash common.Hash, state interface{}) (int, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), sequence, data, stateHash.Bytes(), snapshotFormat, len(data))
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", sequence, err)
	}

	if _, err := sm.VerifyPending(ctx); err != nil {
		return 0, err
	}
	return len(data), nil
}

// VerifyPending marks every snapshot whose sequence the event log has
// reached, and whose state hash matches the logged one, as verified.
func (sm *SnapshotManager) VerifyPending(ctx context.Context) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s SET verified = TRUE
		FROM event_log.events e
		WHERE NOT s.verified
		  AND e.sequence = s.sequence
		  AND e.state_hash = s.state_hash
	`)
	if err != nil {
		return 0, fmt.Errorf("verify snapshots: %w", err)
	}
	return res.RowsAffected()
}

// LoadLatestSnapshot decodes the most recent verified snapshot into state
// and returns its sequence. found is false on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context, state interface{}) (sequence int64, found bool, err error) {
	var (
		data   []byte
		format int
	)
	err = sm.db.QueryRowContext(ctx, `
		SELECT sequence, data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&sequence, &data, &format)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load snapshot: %w", err)
	}
	if format != snapshotFormat {
		return 0, false, fmt.Errorf("snapshot %d: unsupported format %d", sequence, format)
	}
	if err := json.Unmarshal(data, state); err != nil {
		return 0, false, fmt.Errorf("unmarshal snapshot %d: %w", sequence, err)
	}
	return sequence, true, nil
}

// LoadEventsFrom loads envelopes from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, market_id, payload, records,
		       rejected, state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.CommandType, &e.IdempotencyKey, &e.MarketID, &e.Payload, &e.Records,
			&e.Rejected, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// RecentIdempotencyKeys returns up to limit composite keys, oldest first,
// for warming the dedup cache on a cold start.
func (sm *SnapshotManager) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT command_type || ':' || idempotency_key FROM (
			SELECT sequence, command_type, idempotency_key FROM event_log.events
			ORDER BY sequence DESC LIMIT $1
		) recent ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
