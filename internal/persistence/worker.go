package persistence

import (
	"CohortLedger/internal/core"
	"CohortLedger/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// permanentError marks a failure that fails the same way on every attempt.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

// isPermanent reports whether retrying err is pointless: encoding failures and
// Postgres data exceptions (class 22) or constraint violations (class 23).
func isPermanent(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23":
			return true
		}
	}
	return false
}

// sinkItem is either a block output or a rollback marker. Markers travel
// through the same channel so they are ordered with respect to outputs.
type sinkItem struct {
	output       *core.BlockOutput
	rollbackFrom uint64
	done         chan error // set for rollback markers
}

// PostgresSink drains block outputs and batch-writes them to Postgres.
// Push blocks when the channel is full, so the engine stalls rather than
// losing output when Postgres falls behind.
type PostgresSink struct {
	db           *sql.DB
	writer       *OutputWriter
	in           chan sinkItem
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPostgresSink(
	db *sql.DB,
	chanSize int,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PostgresSink {
	return &PostgresSink{
		db:           db,
		writer:       NewOutputWriter(db),
		in:           make(chan sinkItem, chanSize),
		batchSize:    max(batchSize, 1),
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Push enqueues out for writing.
func (s *PostgresSink) Push(ctx context.Context, out *core.BlockOutput) error {
	select {
	case s.in <- sinkItem{output: out}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rollback enqueues a rollback marker and waits until pending outputs are
// flushed and rows at or above fromHeight are deleted.
func (s *PostgresSink) Rollback(ctx context.Context, fromHeight uint64) error {
	done := make(chan error, 1)
	select {
	case s.in <- sinkItem{rollbackFrom: fromHeight, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting outputs; Run flushes what is queued and returns.
func (s *PostgresSink) Close() {
	close(s.in)
}

// ChannelLen reports queued items for backpressure metrics.
func (s *PostgresSink) ChannelLen() (int, int) {
	return len(s.in), cap(s.in)
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or Close is called.
func (s *PostgresSink) Run(ctx context.Context) error {
	batch := make([]*core.BlockOutput, 0, s.batchSize)

	timer := time.NewTimer(s.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := s.flushWithRetry(ctx, batch); err != nil {
			s.logger.Error().Err(err).
				Uint64("first_height", batch[0].ChainState.Height).
				Int("outputs", len(batch)).
				Msg("batch flush failed, outputs dropped")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case item, ok := <-s.in:
			if !ok {
				flush(context.Background())
				return nil
			}

			if item.done != nil {
				flush(ctx)
				item.done <- s.deleteWithRetry(ctx, item.rollbackFrom)
				timer.Reset(s.flushTimeout)
				continue
			}

			batch = append(batch, item.output)
			if len(batch) >= s.batchSize {
				flush(ctx)
				timer.Reset(s.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(s.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds or
// ctx is cancelled, then makes one final attempt with a background context.
// Permanent errors return at once.
func (s *PostgresSink) flushWithRetry(ctx context.Context, outputs []*core.BlockOutput) error {
	return retry(ctx, s.logger, s.metrics, "flush", func(ctx context.Context) error {
		return s.flush(ctx, outputs)
	})
}

func (s *PostgresSink) deleteWithRetry(ctx context.Context, fromHeight uint64) error {
	err := retry(ctx, s.logger, s.metrics, "rollback", func(ctx context.Context) error {
		return s.writer.DeleteFrom(ctx, fromHeight)
	})
	if err == nil {
		s.logger.Info().Uint64("from_height", fromHeight).Msg("postgres outputs rolled back")
	}
	return err
}

func retry(ctx context.Context, logger zerolog.Logger, metrics *observability.Metrics, op string, fn func(context.Context) error) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			logger.Warn().Str("op", op).Int("attempt", attempt).Dur("backoff", backoff).Msg("persistence retry")
			if metrics != nil {
				metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := fn(context.Background()); err != nil {
					return fmt.Errorf("final %s on shutdown failed: %w", op, err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info().Str("op", op).Int("retries", attempt).Msg("persistence succeeded after retries")
			}
			return nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			return err
		}
		if isPermanent(err) {
			logger.Error().Err(err).Str("op", op).Int("attempt", attempt).Msg("persistence failed permanently")
			if metrics != nil {
				metrics.PersistErrors.WithLabelValues("permanent").Inc()
			}
			return err
		}
		logger.Warn().Err(err).Str("op", op).Msg("persistence attempt failed")
	}
}

func (s *PostgresSink) flush(ctx context.Context, outputs []*core.BlockOutput) error {
	start := time.Now()

	chainRows := make([]ChainRow, 0, len(outputs))
	var cohortRows []CohortRow
	for _, out := range outputs {
		chain, rows, err := RowsFromOutput(out)
		if err != nil {
			return permanent(err)
		}
		chainRows = append(chainRows, chain)
		cohortRows = append(cohortRows, rows...)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := s.writer.WriteChainBatch(ctx, tx, chainRows); err != nil {
		s.countError("write_chain")
		return err
	}
	if err := s.writer.WriteCohortBatch(ctx, tx, cohortRows); err != nil {
		s.countError("write_cohorts")
		return err
	}
	if err := tx.Commit(); err != nil {
		s.countError("tx_commit")
		return err
	}

	if s.metrics != nil {
		s.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		s.metrics.PersistBatchSize.Observe(float64(len(outputs)))
		s.metrics.PersistRowsWritten.Add(float64(len(cohortRows)))
		s.metrics.PersistLastHeight.Set(float64(outputs[len(outputs)-1].ChainState.Height))
	}
	return nil
}

func (s *PostgresSink) countError(kind string) {
	if s.metrics != nil {
		s.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
