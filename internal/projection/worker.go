package projection

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"VeilTrade/internal/core"
	"VeilTrade/internal/event"
	"VeilTrade/internal/ledger"
	"VeilTrade/internal/observability"

	"github.com/rs/zerolog"
)

// Name is the watermark row this worker advances.
const Name = "main"

// ProjectionWorker updates projection tables from applied envelopes.
// The projection channel is non-blocking with drop on the core side, so a
// worker that falls behind is repaired with RebuildProjections.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   atomic.Int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger.With().Str("component", "projection").Logger(),
	}
}

// LastSequence is the last envelope this worker committed.
func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq.Load() }

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := out.Envelope.Sequence
			start := time.Now()
			if err := pw.processOutput(ctx, out); err != nil {
				// Projections are eventually consistent and rebuildable.
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				continue
			}
			pw.lastSeq.Store(seq)
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(Name).Observe(time.Since(start).Seconds())
				pw.metrics.QueryFreshnessLag.WithLabelValues(Name).Observe(time.Since(out.Envelope.Timestamp).Seconds())
			}
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, out core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	env := out.Envelope
	for _, b := range out.Batches {
		for _, j := range b.Journals {
			if err := updateBalance(ctx, tx, env.Sequence, j); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	a := applier{ex: tx, seq: env.Sequence, at: env.Timestamp}
	for _, r := range env.Records {
		if err := a.apply(ctx, r); err != nil {
			return fmt.Errorf("%s projection: %w", r.RecordType(), err)
		}
	}

	if err := advanceWatermark(ctx, tx, env.Sequence); err != nil {
		return err
	}
	return tx.Commit()
}

func updateBalance(ctx context.Context, ex execer, seq int64, j ledger.Journal) error {
	// Debit account: balance increases
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, j.DebitAccount.AccountPath(), uint16(j.AssetID), j.Amount, seq); err != nil {
		return err
	}

	// Credit account: balance decreases
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -$3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, j.CreditAccount.AccountPath(), uint16(j.AssetID), j.Amount, seq); err != nil {
		return err
	}
	return nil
}

func advanceWatermark(ctx context.Context, ex execer, seq int64) error {
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
	`, Name, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// RebuildProjections truncates every projection table and replays the event
// log into them. It returns the last sequence replayed, or -1 for an empty
// log. Balances are summed straight from event_log.journal; the
// domain tables are replayed from the records stored with each command.
func RebuildProjections(ctx context.Context, db *sql.DB, pageSize int, logger zerolog.Logger) (int64, error) {
	truncateStatements := []string{
		`TRUNCATE projections.balances, projections.orders, projections.strategies,
			projections.positions, projections.settlements, projections.resolvers, projections.prices`,
		`DELETE FROM projections.watermark WHERE projection_name = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, asset_id, -amount, sequence FROM event_log.journal
		) AS moves
		GROUP BY account_path, asset_id
	`); err != nil {
		return 0, fmt.Errorf("rebuild balances: %w", err)
	}

	if pageSize <= 0 {
		pageSize = 500
	}
	last := int64(-1)
	for {
		n, tip, err := replayPage(ctx, db, last, pageSize)
		if err != nil {
			return last, err
		}
		if n == 0 {
			break
		}
		last = tip
		if n < pageSize {
			break
		}
	}

	if last >= 0 {
		if err := advanceWatermark(ctx, db, last); err != nil {
			return last, err
		}
	}
	logger.Info().Int64("last_sequence", last).Msg("projection rebuild complete")
	return last, nil
}

// replayPage applies the records of commands after `after`, in one
// transaction, and returns how many commands it read and the last sequence.
func replayPage(ctx context.Context, db *sql.DB, after int64, limit int) (int, int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, timestamp, records
		FROM event_log.commands
		WHERE sequence > $1
		ORDER BY sequence
		LIMIT $2
	`, after, limit)
	if err != nil {
		return 0, after, fmt.Errorf("load commands: %w", err)
	}

	type stored struct {
		seq     int64
		at      time.Time
		records []event.Record
	}
	var page []stored
	for rows.Next() {
		var (
			s   stored
			raw []byte
		)
		if err := rows.Scan(&s.seq, &s.at, &raw); err != nil {
			rows.Close()
			return 0, after, err
		}
		if s.records, err = event.DecodeRecords(raw); err != nil {
			rows.Close()
			return 0, after, fmt.Errorf("records at seq %d: %w", s.seq, err)
		}
		page = append(page, s)
	}
	if err := rows.Close(); err != nil {
		return 0, after, err
	}
	if err := rows.Err(); err != nil {
		return 0, after, err
	}
	if len(page) == 0 {
		return 0, after, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, after, err
	}
	defer tx.Rollback()
	for _, s := range page {
		a := applier{ex: tx, seq: s.seq, at: s.at}
		for _, r := range s.records {
			if err := a.apply(ctx, r); err != nil {
				return 0, after, fmt.Errorf("replay seq %d %s: %w", s.seq, r.RecordType(), err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, after, err
	}
	return len(page), page[len(page)-1].seq, nil
}
