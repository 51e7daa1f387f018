package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// QueryService provides read-only access to projection tables and the
// event log. Projection responses carry as_of_sequence, the projection
// watermark, so callers can judge freshness.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetVersions returns settled versions of a market, newest first.
// beforeTimestamp pages backwards.
func (qs *QueryService) GetVersions(
	ctx context.Context,
	market common.Address,
	limit int,
	beforeTimestamp *int64,
) ([]VersionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT market, timestamp, from_timestamp, valid, price, fee, result, sequence
		FROM projections.versions
		WHERE market = $1
	`
	args := []interface{}{market.Hex()}
	argIdx := 2

	if beforeTimestamp != nil {
		query += fmt.Sprintf(" AND timestamp < $%d", argIdx)
		args = append(args, *beforeTimestamp)
		argIdx++
	}

	query += " ORDER BY timestamp DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []VersionResponse
	for rows.Next() {
		var (
			v      VersionResponse
			result []byte
		)
		v.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&v.Market, &v.Timestamp, &v.FromTimestamp, &v.Valid,
			&v.Price, &v.Fee, &result, &v.Sequence,
		); err != nil {
			return nil, err
		}
		v.Result = result
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// GetPositions returns account's projected position in every market.
func (qs *QueryService) GetPositions(ctx context.Context, account common.Address) ([]AccountPositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT market, account, timestamp, maker, long, short, deposited, settled, sequence
		FROM projections.account_positions
		WHERE account = $1
		ORDER BY market
	`, account.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []AccountPositionResponse
	for rows.Next() {
		var p AccountPositionResponse
		p.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&p.Market, &p.Account, &p.Timestamp, &p.Maker, &p.Long, &p.Short,
			&p.Deposited, &p.Settled, &p.Sequence,
		); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetUsedNonces lists account's used and cancelled nonces and cancelled
// groups, optionally restricted to one verifier.
func (qs *QueryService) GetUsedNonces(
	ctx context.Context,
	account common.Address,
	verifier *string,
	limit int,
) ([]NonceResponse, error) {
	query := `
		SELECT verifier, account, kind, value::TEXT, sequence
		FROM projections.used_nonces
		WHERE account = $1
	`
	args := []interface{}{account.Hex()}
	argIdx := 2

	if verifier != nil {
		query += fmt.Sprintf(" AND verifier = $%d", argIdx)
		args = append(args, *verifier)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nonces []NonceResponse
	for rows.Next() {
		var n NonceResponse
		if err := rows.Scan(&n.Verifier, &n.Account, &n.Kind, &n.Value, &n.Sequence); err != nil {
			return nil, err
		}
		nonces = append(nonces, n)
	}
	return nonces, rows.Err()
}

// GetTriggerOrders lists account's trigger orders, optionally filtered by
// status.
func (qs *QueryService) GetTriggerOrders(
	ctx context.Context,
	account common.Address,
	status *string,
) ([]TriggerOrderResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT market, account, order_id, status, side, comparison, price, delta, order_data, sequence
		FROM projections.trigger_orders
		WHERE account = $1
	`
	args := []interface{}{account.Hex()}
	if status != nil {
		query += " AND status = $2"
		args = append(args, *status)
	}
	query += " ORDER BY market, order_id"

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []TriggerOrderResponse
	for rows.Next() {
		var (
			o    TriggerOrderResponse
			data []byte
		)
		o.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&o.Market, &o.Account, &o.OrderID, &o.Status, &o.Side, &o.Comparison,
			&o.Price, &o.Delta, &data, &o.Sequence,
		); err != nil {
			return nil, err
		}
		o.Order = data
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetJournalHistory returns journal entries touching any of owner's wallet
// accounts, newest first, with pagination.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	owner common.Address,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("wallet:%s:%%", owner.Hex())

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetEvents returns logged envelopes from fromSequence onwards, optionally
// restricted to one market.
func (qs *QueryService) GetEvents(
	ctx context.Context,
	fromSequence int64,
	market *common.Address,
	limit int,
) ([]EventResponse, error) {
	query := `
		SELECT sequence, command_type, idempotency_key, market_id, records,
		       rejected, state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
	`
	args := []interface{}{fromSequence}
	argIdx := 2

	if market != nil {
		query += fmt.Sprintf(" AND market_id = $%d", argIdx)
		args = append(args, market.Hex())
		argIdx++
	}

	query += " ORDER BY sequence ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventResponse
	for rows.Next() {
		var (
			e                   EventResponse
			records             []byte
			stateHash, prevHash []byte
		)
		if err := rows.Scan(
			&e.Sequence, &e.CommandType, &e.IdempotencyKey, &e.MarketID, &records,
			&e.Rejected, &stateHash, &prevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		e.Records = records
		e.StateHash = common.BytesToHash(stateHash)
		e.PrevHash = common.BytesToHash(prevHash)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity, sequence gaps, and that no
// non-external ledger account has gone negative.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	latest, err := qs.latestSequence(ctx)
	if err != nil {
		return nil, err
	}
	report.LatestSequence = latest

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	report.HashChainBreaks, err = scanSequences(rows)
	if err != nil {
		return nil, err
	}

	rows, err = qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		WHERE e1.sequence > (SELECT MIN(sequence) FROM event_log.events)
		  AND NOT EXISTS (SELECT 1 FROM event_log.events e2 WHERE e2.sequence = e1.sequence - 1)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	report.SequenceGaps, err = scanSequences(rows)
	if err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT account, asset, SUM(delta)::TEXT AS balance FROM (
			SELECT debit_account AS account, asset, amount AS delta FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account, asset, -amount AS delta FROM event_log.journal
		) moves
		WHERE account NOT LIKE 'external:%'
		GROUP BY account, asset
		HAVING SUM(delta) < 0
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var nb NegativeBalance
		if err := balanceRows.Scan(&nb.Account, &nb.Asset, &nb.Balance); err != nil {
			return nil, err
		}
		report.NegativeBalances = append(report.NegativeBalances, nb)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	watermark, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	if latest > watermark {
		report.ProjectionLag = latest - watermark
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.NegativeBalances) == 0
	return report, nil
}

// --- helpers ---

func scanSequences(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `SELECT sequence FROM projections.watermark WHERE id = 1`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func (qs *QueryService) latestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
