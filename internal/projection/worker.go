package projection

import (
	"context"
	"database/sql"
	"fmt"

	"PerpSettle/internal/event"
	"PerpSettle/internal/persistence"

	"github.com/rs/zerolog"
)

// ProjectionWorker updates projection tables from processed envelopes.
// The projection channel is non-blocking with drop: if projections fall
// behind, they can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan *event.Envelope
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan *event.Envelope, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		logger:    logger.With().Str("component", "projection").Logger(),
		lastSeq:   -1,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if env.Sequence <= pw.lastSeq {
				continue
			}
			if err := pw.process(ctx, env); err != nil {
				// Eventually consistent; RebuildProjections repairs gaps.
				pw.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("projection update failed")
			}
			pw.lastSeq = env.Sequence
		}
	}
}

func (pw *ProjectionWorker) process(ctx context.Context, env *event.Envelope) error {
	cs, err := Changes(env)
	if err != nil {
		return err
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := cs.write(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// RebuildProjections truncates every projection table and replays the
// event log into them.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE projections.versions`,
		`TRUNCATE projections.account_positions`,
		`TRUNCATE projections.used_nonces`,
		`TRUNCATE projections.trigger_orders`,
		`DELETE FROM projections.watermark`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	const page = 1000
	sm := persistence.NewSnapshotManager(db)
	from, applied := int64(0), 0
	for {
		rows, err := sm.LoadEventsFrom(ctx, from, page)
		if err != nil {
			return fmt.Errorf("load events from %d: %w", from, err)
		}
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return fmt.Errorf("decode event %d: %w", row.Sequence, err)
			}
			cs, err := Changes(env)
			if err != nil {
				return fmt.Errorf("project event %d: %w", row.Sequence, err)
			}
			if err := cs.write(ctx, db); err != nil {
				return fmt.Errorf("write event %d: %w", row.Sequence, err)
			}
			applied++
		}
		if len(rows) < page {
			break
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	logger.Info().Int("events", applied).Msg("projection rebuild complete")
	return nil
}
