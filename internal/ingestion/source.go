package ingestion

import (
	"CohortLedger/internal/event"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// StreamConfig names the JetStream streams and subjects.
//
// The producer publishes every canonical block to "<BlockSubject>.<height>"
// and then the new tip height to TipSubject. The block stream keeps one
// message per subject, so a reorg simply republishes the affected heights.
type StreamConfig struct {
	BlockStream    string
	BlockSubject   string
	TipSubject     string
	SnapshotStream string
	SnapshotPrefix string
}

// DefaultStreams returns the standard subject layout.
func DefaultStreams() StreamConfig {
	return StreamConfig{
		BlockStream:    "COHORT_BLOCKS",
		BlockSubject:   "cohort.blocks.height",
		TipSubject:     "cohort.blocks.tip",
		SnapshotStream: "COHORT_SNAPSHOTS",
		SnapshotPrefix: "cohort.snapshots",
	}
}

func (c StreamConfig) blockSubject(height uint64) string {
	return c.BlockSubject + "." + strconv.FormatUint(height, 10)
}

// ErrBlockNotFound is returned when the stream holds no block at a height.
var ErrBlockNotFound = errors.New("block not found in stream")

// JetStreamSource serves blocks by height from the block stream.
type JetStreamSource struct {
	js     jetstream.JetStream
	cfg    StreamConfig
	logger zerolog.Logger

	stream jetstream.Stream
	tips   jetstream.ConsumeContext
}

func NewJetStreamSource(ctx context.Context, js jetstream.JetStream, cfg StreamConfig, logger zerolog.Logger) (*JetStreamSource, error) {
	stream, err := js.Stream(ctx, cfg.BlockStream)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", cfg.BlockStream, err)
	}
	return &JetStreamSource{js: js, cfg: cfg, stream: stream, logger: logger}, nil
}

// Block returns the canonical block at height.
func (s *JetStreamSource) Block(ctx context.Context, height uint64) (*event.Block, error) {
	msg, err := s.stream.GetLastMsgForSubject(ctx, s.cfg.blockSubject(height))
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return nil, fmt.Errorf("height %d: %w", height, ErrBlockNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", height, err)
	}
	block, err := ParseBlock(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", height, err)
	}
	if block.Height != height {
		return nil, fmt.Errorf("subject for height %d carries block %d", height, block.Height)
	}
	return block, nil
}

// Tip returns the last announced tip height.
func (s *JetStreamSource) Tip(ctx context.Context) (uint64, bool, error) {
	msg, err := s.stream.GetLastMsgForSubject(ctx, s.cfg.TipSubject)
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get tip: %w", err)
	}
	h, err := strconv.ParseUint(string(msg.Data), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse tip %q: %w", msg.Data, err)
	}
	return h, true, nil
}

// SubscribeTips delivers newly announced tip heights on the returned channel.
// Sends never block: a slow reader only misses wake-ups, not blocks.
func (s *JetStreamSource) SubscribeTips(ctx context.Context) (<-chan uint64, error) {
	consumer, err := s.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{s.cfg.TipSubject},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("tip consumer: %w", err)
	}

	ch := make(chan uint64, 1)
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		h, err := strconv.ParseUint(string(msg.Data()), 10, 64)
		if err != nil {
			s.logger.Warn().Err(err).Msg("malformed tip announcement")
			return
		}
		select {
		case ch <- h:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("consume tips: %w", err)
	}
	s.tips = cc
	s.logger.Info().Str("subject", s.cfg.TipSubject).Msg("subscribed to tip announcements")
	return ch, nil
}

// PublishBlock makes block canonical at its height and announces it as tip.
func (s *JetStreamSource) PublishBlock(ctx context.Context, block *event.Block) error {
	data, err := EncodeBlock(block)
	if err != nil {
		return err
	}
	if _, err := s.js.Publish(ctx, s.cfg.blockSubject(block.Height), data); err != nil {
		return fmt.Errorf("publish block %d: %w", block.Height, err)
	}
	if _, err := s.js.Publish(ctx, s.cfg.TipSubject, []byte(strconv.FormatUint(block.Height, 10))); err != nil {
		return fmt.Errorf("publish tip %d: %w", block.Height, err)
	}
	return nil
}

// Stop stops the tip consumer.
func (s *JetStreamSource) Stop() {
	if s.tips != nil {
		s.tips.Stop()
	}
}

// EnsureStreams creates the block and snapshot streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, cfg StreamConfig, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:              cfg.BlockStream,
			Subjects:          []string{cfg.BlockSubject + ".>", cfg.TipSubject},
			Storage:           jetstream.FileStorage,
			Retention:         jetstream.LimitsPolicy,
			MaxMsgsPerSubject: 1,
			Replicas:          1,
		},
		{
			Name:      cfg.SnapshotStream,
			Subjects:  []string{cfg.SnapshotPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, sc := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream %s: %w", sc.Name, err)
		}
		logger.Info().Str("stream", sc.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
