package recovery

import (
	"CohortLedger/internal/core"
	"CohortLedger/internal/event"
	"CohortLedger/internal/observability"
	"CohortLedger/internal/persistence"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Series names in the versioned store.
const (
	ChainStateSeries   = "chain_state"
	cohortSeriesPrefix = "cohort/"

	// SeriesVersion is bumped whenever the persisted record layout changes.
	SeriesVersion uint64 = 1
)

// CohortSeries returns the series name holding a cohort's per-height records.
func CohortSeries(cohortID string) string {
	return cohortSeriesPrefix + cohortID
}

// MinReorgWindow is the smallest chain tail a restore can verify: the
// checkpoint height and its parent.
const MinReorgWindow uint64 = 2

// ErrFreshStartRequired marks a recovery step that cannot resume.
var ErrFreshStartRequired = errors.New("fresh start required")

// BlockSource is the canonical chain as seen by the driver.
type BlockSource interface {
	// Block returns the canonical block at height.
	Block(ctx context.Context, height uint64) (*event.Block, error)
	// Tip returns the highest available height; ok is false while the source is empty.
	Tip(ctx context.Context) (height uint64, ok bool, err error)
}

// Config tunes the driver.
type Config struct {
	CheckpointInterval uint64 // checkpoint every N heights
	KeepCheckpoints    int
	ReorgWindow        uint64 // chain states loaded on restore
	PollInterval       time.Duration
}

// Driver owns the engine lifecycle: start mode selection, recovery, the live
// block loop, checkpoints and reorg rollback.
type Driver struct {
	engine      *core.Engine
	source      BlockSource
	series      *persistence.VecStore
	checkpoints *persistence.CheckpointStore
	sink        core.OutputSink
	health      *observability.HealthChecker
	wake        <-chan uint64
	cfg         Config

	// Highest height applied before the last rollback, for replay accounting.
	replayUntil uint64

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDriver(
	engine *core.Engine,
	source BlockSource,
	series *persistence.VecStore,
	checkpoints *persistence.CheckpointStore,
	sink core.OutputSink,
	cfg Config,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Driver {
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 1000
	}
	if cfg.KeepCheckpoints <= 0 {
		cfg.KeepCheckpoints = 3
	}
	if cfg.ReorgWindow == 0 {
		cfg.ReorgWindow = 100
	}
	cfg.ReorgWindow = max(cfg.ReorgWindow, MinReorgWindow)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Driver{
		engine:      engine,
		source:      source,
		series:      series,
		checkpoints: checkpoints,
		sink:        sink,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger,
	}
}

// WithHealth flips readiness once Start has recovered.
func (d *Driver) WithHealth(h *observability.HealthChecker) *Driver {
	d.health = h
	return d
}

// WithTipNotifications wakes the live loop early when a new tip is announced.
func (d *Driver) WithTipNotifications(ch <-chan uint64) *Driver {
	d.wake = ch
	return d
}

func (d *Driver) seriesNames() []string {
	defs := d.engine.Definitions()
	names := make([]string, 0, len(defs)+1)
	names = append(names, ChainStateSeries)
	for _, def := range defs {
		names = append(names, CohortSeries(def.ID))
	}
	return names
}

// Start validates series versions, picks a start mode and recovers the engine.
// Returns the next height to process.
func (d *Driver) Start(ctx context.Context) (uint64, error) {
	start := time.Now()
	names := d.seriesNames()

	for _, name := range names {
		reset, err := d.series.ValidateVersionOrReset(name, SeriesVersion)
		if err != nil {
			return 0, fmt.Errorf("validate series %s: %w", name, err)
		}
		if reset && d.metrics != nil {
			d.metrics.FreshFallbacks.WithLabelValues("version").Inc()
		}
	}

	minConsistent, err := d.series.MinConsistentHeight(names)
	if err != nil {
		return 0, fmt.Errorf("min consistent height: %w", err)
	}

	target := minConsistent
	tip, ok, err := d.source.Tip(ctx)
	if err != nil {
		return 0, fmt.Errorf("source tip: %w", err)
	}
	if ok {
		target = min(target, tip+1)
	}

	heights, err := d.checkpoints.Heights()
	if err != nil {
		return 0, fmt.Errorf("list checkpoints: %w", err)
	}

	mode := DetermineStartMode(minConsistent, target, heights)
	d.logger.Info().
		Uint64("min_consistent_height", minConsistent).
		Uint64("target", target).
		Int("checkpoints", len(heights)).
		Stringer("mode", mode).
		Msg("start mode determined")

	next := uint64(0)
	if mode.Kind == Resume {
		next = d.RecoverState(ctx, mode.Height)
	} else {
		d.fresh(ctx, "no_checkpoint")
	}
	d.replayUntil = minConsistent

	if d.metrics != nil {
		d.metrics.RecoveryDuration.Set(time.Since(start).Seconds())
	}
	if d.health != nil {
		d.health.SetReady(true)
	}
	d.logger.Info().
		Uint64("next_height", next).
		Dur("duration", time.Since(start)).
		Msg("recovery complete")
	return next, nil
}

// RecoverState rolls the stores and sinks back to checkpoint c and restores
// every cohort from it. It fails closed: on any inconsistency everything is
// reset and 0 is returned. Returns the next height to process.
func (d *Driver) RecoverState(ctx context.Context, c uint64) uint64 {
	if err := d.recover(ctx, c); err != nil {
		d.logger.Warn().Err(err).Uint64("checkpoint", c).Msg("recovery failed, falling back to fresh start")
		d.fresh(ctx, "recover_failed")
		return 0
	}
	if d.metrics != nil {
		d.metrics.Rollbacks.Inc()
	}
	d.logger.Info().Uint64("checkpoint", c).Msg("resumed from checkpoint")
	return c + 1
}

func (d *Driver) recover(ctx context.Context, c uint64) error {
	res, err := d.series.RollbackBefore(c + 1)
	if err != nil {
		return fmt.Errorf("rollback stores: %w", err)
	}
	if d.sink != nil {
		if err := d.sink.Rollback(ctx, c+1); err != nil {
			return fmt.Errorf("rollback sinks: %w", err)
		}
	}

	tail, err := d.loadChainTail(c)
	if err != nil {
		return err
	}
	if err := d.engine.Restore(d.checkpoints, tail); err != nil {
		return fmt.Errorf("%w: %v", ErrFreshStartRequired, err)
	}

	d.logger.Info().
		Uint64("checkpoint", c).
		Int("series_truncated", res.SeriesTruncated).
		Uint64("records_removed", res.RecordsRemoved).
		Int("checkpoints_removed", res.CheckpointsRemoved).
		Msg("stores rolled back to checkpoint")
	return nil
}

// loadChainTail reads chain states in (c-window, c].
func (d *Driver) loadChainTail(c uint64) ([]core.ChainState, error) {
	from := uint64(0)
	if c+1 > d.cfg.ReorgWindow {
		from = c + 1 - d.cfg.ReorgWindow
	}
	tail := make([]core.ChainState, 0, c+1-from)
	err := d.series.Range(ChainStateSeries, from, c+1, func(index uint64, raw []byte) error {
		var cs core.ChainState
		if err := json.Unmarshal(raw, &cs); err != nil {
			return fmt.Errorf("decode chain state %d: %w", index, err)
		}
		if cs.Height != index {
			return fmt.Errorf("chain state at %d records height %d", index, cs.Height)
		}
		tail = append(tail, cs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(tail) == 0 || tail[len(tail)-1].Height != c {
		return nil, fmt.Errorf("%w: chain state for height %d missing", ErrFreshStartRequired, c)
	}
	return tail, nil
}

// fresh wipes every store and sink and resets the engine to genesis.
func (d *Driver) fresh(ctx context.Context, reason string) {
	if _, err := d.series.RollbackBefore(0); err != nil {
		panic(fmt.Sprintf("FATAL: truncate stores for fresh start: %v", err))
	}
	if d.sink != nil {
		if err := d.sink.Rollback(ctx, 0); err != nil {
			d.logger.Error().Err(err).Msg("downstream rollback for fresh start failed")
		}
	}
	d.engine.Reset()
	if d.metrics != nil {
		d.metrics.FreshFallbacks.WithLabelValues(reason).Inc()
	}
	d.logger.Warn().Str("reason", reason).Msg("fresh start from genesis")
}

// Run syncs to the source tip and then follows it until ctx is cancelled.
// Cancellation is honoured between blocks only.
func (d *Driver) Run(ctx context.Context) error {
	for {
		if err := d.SyncToTip(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// SyncToTip applies blocks until the engine has caught up with the source,
// handling reorgs on the way. A source that cannot serve a block ends the
// sync without error; the next call retries.
func (d *Driver) SyncToTip(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		tip, ok, err := d.source.Tip(ctx)
		if err != nil {
			d.logger.Warn().Err(err).Msg("source tip unavailable")
			return nil
		}
		if d.metrics != nil && ok {
			d.metrics.SourceTipHeight.Set(float64(tip))
		}

		next := d.engine.NextHeight()
		if !ok || next > tip {
			reorged, err := d.verifyTip(ctx, tip, ok)
			if err != nil || !reorged {
				return err
			}
			continue
		}

		fetchStart := time.Now()
		block, err := d.source.Block(ctx, next)
		if err != nil {
			d.logger.Warn().Err(err).Uint64("height", next).Msg("block fetch failed")
			return nil
		}
		if d.metrics != nil {
			d.metrics.SourceFetchDuration.Observe(time.Since(fetchStart).Seconds())
		}
		if block.Height != next {
			return fmt.Errorf("source returned block %d for height %d", block.Height, next)
		}

		err = d.applyBlock(ctx, block)
		var reorg *core.ReorgError
		switch {
		case err == nil:
		case errors.As(err, &reorg):
			if err := d.handleReorg(ctx, reorg.Height); err != nil {
				return err
			}
		default:
			return err
		}
	}
}

// applyBlock runs one block end to end. The context is detached so that a
// block is never abandoned halfway through its outputs.
func (d *Driver) applyBlock(ctx context.Context, block *event.Block) error {
	ctx = context.WithoutCancel(ctx)

	out, err := d.engine.ProcessBlock(block)
	if err != nil {
		return err
	}

	values := make(map[string]any, len(out.Records)+1)
	values[ChainStateSeries] = out.ChainState
	for _, r := range out.Records {
		values[CohortSeries(r.CohortID)] = r
	}
	if err := d.series.PushHeight(block.Height, values); err != nil {
		return fmt.Errorf("push height %d: %w", block.Height, err)
	}

	if d.sink != nil {
		if err := d.sink.Push(ctx, out); err != nil {
			d.logger.Error().Err(err).Uint64("height", block.Height).Msg("output sink push failed")
		}
	}

	if block.Height < d.replayUntil && d.metrics != nil {
		d.metrics.ReplayBlocks.Inc()
	}

	if block.Height > 0 && block.Height%d.cfg.CheckpointInterval == 0 {
		if err := d.checkpoint(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) checkpoint() error {
	start := time.Now()
	var size int
	var height uint64
	err := d.engine.Checkpoint(func(data *core.CheckpointData) error {
		n, err := d.checkpoints.Save(data)
		size, height = n, data.Height
		return err
	})
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	pruned, err := d.checkpoints.Prune(d.cfg.KeepCheckpoints)
	if err != nil {
		d.logger.Warn().Err(err).Msg("checkpoint prune failed")
	}

	if d.metrics != nil {
		d.metrics.CheckpointTaken.Inc()
		d.metrics.CheckpointDuration.Observe(time.Since(start).Seconds())
		d.metrics.CheckpointSizeBytes.Set(float64(size))
		d.metrics.CheckpointLastHeight.Set(float64(height))
	}
	d.logger.Info().
		Uint64("height", height).
		Int("bytes", size).
		Int("pruned", pruned).
		Dur("duration", time.Since(start)).
		Msg("checkpoint saved")
	return nil
}

// verifyTip checks that the last applied block is still canonical once the
// engine has caught up, so reorgs that shorten or replace the tip are noticed
// without waiting for a new block. Reports whether a rollback happened.
func (d *Driver) verifyTip(ctx context.Context, tip uint64, ok bool) (bool, error) {
	last, applied := d.engine.LastChainState()
	if !applied || !ok {
		return false, nil
	}
	if tip < last.Height {
		return true, d.handleReorg(ctx, tip)
	}
	block, err := d.source.Block(ctx, last.Height)
	if err != nil {
		d.logger.Warn().Err(err).Uint64("height", last.Height).Msg("tip verification fetch failed")
		return false, nil
	}
	if block.Hash != last.BlockHash {
		return true, d.handleReorg(ctx, last.Height)
	}
	return false, nil
}

// handleReorg finds the fork point at or below from, rolls back to the best
// checkpoint below it and leaves the engine ready to replay.
func (d *Driver) handleReorg(ctx context.Context, from uint64) error {
	last, applied := d.engine.LastChainState()
	if !applied {
		return nil
	}

	forkPoint, err := d.findForkPoint(ctx, min(from, last.Height))
	if err != nil {
		return err
	}
	if forkPoint > last.Height {
		return fmt.Errorf("source block %d does not link to its own parent", forkPoint)
	}
	target := min(last.Height+1, forkPoint)
	depth := last.Height + 1 - target

	if d.metrics != nil {
		d.metrics.ReorgsDetected.Inc()
		d.metrics.ReorgDepth.Observe(float64(depth))
	}

	heights, err := d.checkpoints.Heights()
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	mode := DetermineStartMode(target, target, heights)

	d.logger.Warn().
		Uint64("tip", last.Height).
		Uint64("fork_point", forkPoint).
		Uint64("depth", depth).
		Stringer("mode", mode).
		Msg("reorg detected")

	if mode.Kind == Resume {
		d.RecoverState(ctx, mode.Height)
	} else {
		d.fresh(ctx, "reorg_below_checkpoints")
	}
	d.replayUntil = max(d.replayUntil, target)
	return nil
}

// findForkPoint returns the lowest height whose stored block hash differs
// from the source, walking down from height. 0 means nothing is shared.
func (d *Driver) findForkPoint(ctx context.Context, height uint64) (uint64, error) {
	for h := height; ; h-- {
		var stored core.ChainState
		err := d.series.Get(ChainStateSeries, h, &stored)
		if errors.Is(err, persistence.ErrNotFound) {
			if h == 0 {
				return 0, nil
			}
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("load chain state %d: %w", h, err)
		}

		block, err := d.source.Block(ctx, h)
		if err != nil {
			return 0, fmt.Errorf("fetch block %d for fork search: %w", h, err)
		}
		if block.Hash == stored.BlockHash {
			return h + 1, nil
		}
		if h == 0 {
			return 0, nil
		}
	}
}
