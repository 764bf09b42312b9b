package projection

import (
	"CohortLedger/internal/core"
	"CohortLedger/internal/observability"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const projectionName = "cohort_latest"

type item struct {
	output       *core.BlockOutput
	rollbackFrom *uint64
}

// LatestWorker keeps projections.cohort_latest at the newest record per cohort.
// The input channel is non-blocking with drop: if the projection falls behind
// it can be rebuilt from cohort.cohort_metrics with Rebuild.
type LatestWorker struct {
	db      *sql.DB
	in      chan item
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewLatestWorker(db *sql.DB, chanSize int, metrics *observability.Metrics, logger zerolog.Logger) *LatestWorker {
	return &LatestWorker{
		db:      db,
		in:      make(chan item, chanSize),
		metrics: metrics,
		logger:  logger,
	}
}

// Push enqueues out, dropping it when the worker is behind.
func (w *LatestWorker) Push(_ context.Context, out *core.BlockOutput) error {
	select {
	case w.in <- item{output: out}:
	default:
		if w.metrics != nil {
			w.metrics.ProjectionDrops.WithLabelValues(projectionName).Inc()
		}
	}
	return nil
}

// Rollback is never dropped: it waits for queue space.
func (w *LatestWorker) Rollback(ctx context.Context, fromHeight uint64) error {
	select {
	case w.in <- item{rollbackFrom: &fromHeight}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting outputs.
func (w *LatestWorker) Close() {
	close(w.in)
}

// ChannelLen reports queued items for backpressure metrics.
func (w *LatestWorker) ChannelLen() (int, int) {
	return len(w.in), cap(w.in)
}

// Run starts the projection worker loop.
func (w *LatestWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case it, ok := <-w.in:
			if !ok {
				return nil
			}

			var err error
			if it.rollbackFrom != nil {
				// Rows above the rollback point are stale; rebuild restores
				// the newest surviving record per cohort.
				err = Rebuild(ctx, w.db)
			} else {
				err = w.apply(ctx, it.output)
			}
			if err != nil {
				// Continue: projections are eventually consistent and can be rebuilt
				w.logger.Warn().Err(err).Msg("projection update failed")
			}
		}
	}
}

func (w *LatestWorker) apply(ctx context.Context, out *core.BlockOutput) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range out.Records {
		r := &out.Records[i]
		record, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode %s: %w", r.CohortID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.cohort_latest (cohort_id, height, record, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (cohort_id) DO UPDATE
				SET height = EXCLUDED.height, record = EXCLUDED.record, updated_at = NOW()
		`, r.CohortID, int64(r.Height), record); err != nil {
			return fmt.Errorf("upsert %s: %w", r.CohortID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.ProjectionUpdateDur.WithLabelValues(projectionName).Observe(time.Since(start).Seconds())
	}
	return nil
}

// Rebuild recomputes projections.cohort_latest from the output history.
func Rebuild(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projections.cohort_latest`); err != nil {
		return fmt.Errorf("truncate failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.cohort_latest (cohort_id, height, record, updated_at)
		SELECT DISTINCT ON (cohort_id) cohort_id, height, record, NOW()
		FROM cohort.cohort_metrics
		ORDER BY cohort_id, height DESC
	`); err != nil {
		return fmt.Errorf("rebuild latest: %w", err)
	}
	return tx.Commit()
}
