package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"OptionVault/internal/core"
	"OptionVault/internal/event"
	"OptionVault/internal/observability"
	"OptionVault/internal/persistence"

	"github.com/rs/zerolog"
)

const workerID = "main"

// Feed hands committed outputs to the projection worker without blocking.
// When the worker is behind, outputs are dropped; the tables can be
// rebuilt from the event log.
type Feed struct {
	ch      chan core.CoreOutput
	metrics *observability.Metrics
}

var _ persistence.Downstream = (*Feed)(nil)

func NewFeed(size int, metrics *observability.Metrics) *Feed {
	if size <= 0 {
		size = 4096
	}
	return &Feed{ch: make(chan core.CoreOutput, size), metrics: metrics}
}

func (f *Feed) Append(_ context.Context, outputs []core.CoreOutput) error {
	for _, out := range outputs {
		select {
		case f.ch <- out:
		default:
			if f.metrics != nil {
				f.metrics.ProjectionDropped.Inc()
			}
		}
	}
	if f.metrics != nil {
		f.metrics.SetChannelMetrics("projection", len(f.ch), cap(f.ch))
	}
	return nil
}

// Outputs is the channel the worker reads.
func (f *Feed) Outputs() <-chan core.CoreOutput {
	return f.ch
}

// ProjectionWorker maintains the read-side round and claim tables.
// Projections are eventually consistent and never feed back into the engine.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	last, err := LoadWatermark(ctx, pw.db)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	pw.lastSeq = last

	for {
		select {
		case <-ctx.Done():
			return nil

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			env := output.Envelope
			if env.Sequence <= pw.lastSeq {
				continue
			}
			if err := pw.process(ctx, env); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("projection update failed")
				if pw.metrics != nil {
					pw.metrics.ProjectionErrors.Inc()
				}
				continue
			}
			pw.lastSeq = env.Sequence
			if pw.metrics != nil {
				pw.metrics.ProjectionLastSequence.Set(float64(env.Sequence))
			}
		}
	}
}

func (pw *ProjectionWorker) process(ctx context.Context, env *event.EventEnvelope) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := Apply(ctx, tx, env); err != nil {
		return err
	}
	if err := setWatermark(ctx, tx, env.Sequence); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadWatermark returns the last projected sequence, or -1.
func LoadWatermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, workerID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// RebuildProjections truncates the projection tables and replays the whole
// event log into them.
func RebuildProjections(ctx context.Context, db *sql.DB, events *persistence.SnapshotManager, batchSize int) (int, error) {
	for _, stmt := range []string{
		`TRUNCATE projections.rounds`,
		`TRUNCATE projections.buyer_claims`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate failed: %w", err)
		}
	}
	if batchSize <= 0 {
		batchSize = 1000
	}

	applied := 0
	var from int64
	for {
		rows, err := events.LoadEventsFrom(ctx, from, batchSize)
		if err != nil {
			return applied, err
		}
		if len(rows) == 0 {
			break
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return applied, err
		}
		for _, row := range rows {
			env, err := row.Envelope()
			if err == nil {
				err = Apply(ctx, tx, env)
			}
			if err != nil {
				tx.Rollback()
				return applied, err
			}
		}
		last := rows[len(rows)-1].Sequence
		if err := setWatermark(ctx, tx, last); err != nil {
			tx.Rollback()
			return applied, err
		}
		if err := tx.Commit(); err != nil {
			return applied, err
		}

		applied += len(rows)
		from = last + 1
		if len(rows) < batchSize {
			break
		}
	}

	logger := observability.NewLogger("projection")
	logger.Info().Int("events", applied).Msg("projection rebuild complete")
	return applied, nil
}
