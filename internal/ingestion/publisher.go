package ingestion

import (
	"CohortLedger/internal/core"
	"CohortLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// SnapshotMessage is the payload published per cohort and height.
type SnapshotMessage struct {
	Height    uint64            `json:"height"`
	BlockHash string            `json:"block_hash"`
	StateHash string            `json:"state_hash"`
	Record    core.CohortRecord `json:"record"`
}

// RollbackMessage tells consumers to discard snapshots at or above FromHeight.
type RollbackMessage struct {
	FromHeight uint64 `json:"from_height"`
}

type publishItem struct {
	output   *core.BlockOutput
	rollback *uint64
}

// SnapshotPublisher publishes cohort records to "<prefix>.<cohort>" for
// downstream consumers. Publishing is best effort: outputs are dropped when
// the queue is full, and consumers that need every height read Postgres.
type SnapshotPublisher struct {
	js      jetstream.JetStream
	prefix  string
	in      chan publishItem
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewSnapshotPublisher(
	js jetstream.JetStream,
	cfg StreamConfig,
	chanSize int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *SnapshotPublisher {
	return &SnapshotPublisher{
		js:      js,
		prefix:  cfg.SnapshotPrefix,
		in:      make(chan publishItem, chanSize),
		metrics: metrics,
		logger:  logger,
	}
}

// Push enqueues out without blocking.
func (p *SnapshotPublisher) Push(_ context.Context, out *core.BlockOutput) error {
	select {
	case p.in <- publishItem{output: out}:
	default:
		if p.metrics != nil {
			p.metrics.PublishDrops.Inc()
		}
	}
	return nil
}

// Rollback enqueues a rollback notice behind every queued output.
func (p *SnapshotPublisher) Rollback(ctx context.Context, fromHeight uint64) error {
	select {
	case p.in <- publishItem{rollback: &fromHeight}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting outputs; Run drains the queue and returns.
func (p *SnapshotPublisher) Close() {
	close(p.in)
}

// ChannelLen reports queued items for backpressure metrics.
func (p *SnapshotPublisher) ChannelLen() (int, int) {
	return len(p.in), cap(p.in)
}

// Run starts the publisher loop.
func (p *SnapshotPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case item, ok := <-p.in:
			if !ok {
				return nil
			}

			var err error
			if item.rollback != nil {
				err = p.publishRollback(ctx, *item.rollback)
			} else {
				err = p.publish(ctx, item.output)
			}
			if err != nil {
				// Non-fatal: consumers can read the output tables directly
				p.logger.Warn().Err(err).Msg("snapshot publish failed")
			}
		}
	}
}

func (p *SnapshotPublisher) publish(ctx context.Context, out *core.BlockOutput) error {
	cs := out.ChainState
	for _, r := range out.Records {
		data, err := json.Marshal(SnapshotMessage{
			Height:    cs.Height,
			BlockHash: cs.BlockHash.String(),
			StateHash: cs.StateHash.String(),
			Record:    r,
		})
		if err != nil {
			return fmt.Errorf("marshal %s at %d: %w", r.CohortID, cs.Height, err)
		}

		// The message id dedupes republishing of the same block.
		msgID := r.CohortID + "/" + strconv.FormatUint(cs.Height, 10) + "/" + cs.BlockHash.String()
		if _, err := p.js.Publish(ctx, p.prefix+"."+r.CohortID, data, jetstream.WithMsgID(msgID)); err != nil {
			return fmt.Errorf("publish %s at %d: %w", r.CohortID, cs.Height, err)
		}
	}
	return nil
}

func (p *SnapshotPublisher) publishRollback(ctx context.Context, fromHeight uint64) error {
	data, err := json.Marshal(RollbackMessage{FromHeight: fromHeight})
	if err != nil {
		return err
	}
	if _, err := p.js.Publish(ctx, p.prefix+".control.rollback", data); err != nil {
		return fmt.Errorf("publish rollback from %d: %w", fromHeight, err)
	}
	p.logger.Info().Uint64("from_height", fromHeight).Msg("published rollback notice")
	return nil
}
