package recovery_test

import (
	"CohortLedger/internal/cohort"
	"CohortLedger/internal/core"
	"CohortLedger/internal/persistence"
	"CohortLedger/internal/recovery"
	"CohortLedger/internal/testutil"
	"context"
	"testing"

	"github.com/cockroachdb/pebble/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var (
	chainA = testutil.SyntheticChain{Length: 111}
	chainB = testutil.SyntheticChain{Length: 111, Fork: 101, Variant: "b"}
)

type harness struct {
	db     *pebble.DB
	engine *core.Engine
	series *persistence.VecStore
	cps    *persistence.CheckpointStore
	driver *recovery.Driver
}

func newHarness(t *testing.T, db *pebble.DB, source recovery.BlockSource, opts ...func(*recovery.Config)) *harness {
	t.Helper()
	router, err := cohort.NewRouter(cohort.Defaults())
	require.NoError(t, err)

	engine := core.NewEngine(router, core.EngineConfig{Workers: 4, InvariantInterval: 1, ReorgWindow: 20}, nil, zerolog.Nop())
	t.Cleanup(engine.Close)

	h := &harness{
		db:     db,
		engine: engine,
		series: persistence.NewVecStore(db, zerolog.Nop()),
		cps:    persistence.NewCheckpointStore(db),
	}
	cfg := recovery.Config{
		CheckpointInterval: 100,
		KeepCheckpoints:    2,
		ReorgWindow:        20,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.driver = recovery.NewDriver(engine, source, h.series, h.cps, nil, cfg, nil, zerolog.Nop())
	return h
}

// runFrom starts a driver over blocks on a fresh database and syncs to the tip.
func runFrom(t *testing.T, chain testutil.SyntheticChain) *harness {
	t.Helper()
	h := newHarness(t, testutil.MemPebble(t), testutil.NewMemSource(chain.Blocks()))
	ctx := context.Background()
	_, err := h.driver.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, h.driver.SyncToTip(ctx))
	return h
}

func (h *harness) stateHashes(t *testing.T) []core.ChainState {
	t.Helper()
	n, err := h.series.Len(recovery.ChainStateSeries)
	require.NoError(t, err)
	out := make([]core.ChainState, n)
	for i := range out {
		require.NoError(t, h.series.Get(recovery.ChainStateSeries, uint64(i), &out[i]))
	}
	return out
}

func latestWithoutCrossings(e *core.Engine) []core.CohortRecord {
	records := e.LatestAll()
	for i := range records {
		records[i].CrossedBuckets = 0
	}
	return records
}

func requireSameState(t *testing.T, want, got *harness) {
	t.Helper()
	wantLast, ok := want.engine.LastChainState()
	require.True(t, ok)
	gotLast, ok := got.engine.LastChainState()
	require.True(t, ok)

	require.Equal(t, wantLast.Height, gotLast.Height)
	require.Equal(t, wantLast.StateHash, gotLast.StateHash)
	require.Equal(t, want.stateHashes(t), got.stateHashes(t))
	require.Equal(t, latestWithoutCrossings(want.engine), latestWithoutCrossings(got.engine))
}

// ============================================================================
// Test: DetermineStartMode
// ============================================================================

func TestDetermineStartMode(t *testing.T) {
	tests := []struct {
		name          string
		minConsistent uint64
		target        uint64
		checkpoints   []uint64
		want          recovery.StartMode
	}{
		{"empty store", 0, 100, []uint64{50}, recovery.StartMode{Kind: recovery.Fresh}},
		{"no checkpoints", 120, 120, nil, recovery.StartMode{Kind: recovery.Fresh}},
		{"newest covered", 120, 121, []uint64{50, 100}, recovery.StartMode{Kind: recovery.Resume, Height: 100}},
		{"checkpoint past series", 100, 200, []uint64{50, 100}, recovery.StartMode{Kind: recovery.Resume, Height: 50}},
		{"target below newest", 200, 80, []uint64{50, 100}, recovery.StartMode{Kind: recovery.Resume, Height: 50}},
		{"target at checkpoint plus one", 200, 101, []uint64{100, 50}, recovery.StartMode{Kind: recovery.Resume, Height: 100}},
		{"all checkpoints too new", 200, 40, []uint64{50, 100}, recovery.StartMode{Kind: recovery.Fresh}},
		{"zero checkpoint ignored", 200, 40, []uint64{0}, recovery.StartMode{Kind: recovery.Fresh}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := recovery.DetermineStartMode(tt.minConsistent, tt.target, tt.checkpoints)
			require.Equal(t, tt.want, got)
		})
	}
}

// ============================================================================
// Test: Start
// ============================================================================

func TestStart_FreshOnEmptyStore(t *testing.T) {
	h := newHarness(t, testutil.MemPebble(t), testutil.NewMemSource(chainA.Blocks()))

	next, err := h.driver.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0), next)
	require.Equal(t, uint64(0), h.engine.NextHeight())
}

func TestStart_ResumesFromCheckpointAfterRestart(t *testing.T) {
	ctx := context.Background()
	first := runFrom(t, chainA)
	require.Equal(t, uint64(111), first.engine.NextHeight())

	heights, err := first.cps.Heights()
	require.NoError(t, err)
	require.Equal(t, []uint64{100}, heights)

	// Same database, new process.
	second := newHarness(t, first.db, testutil.NewMemSource(chainA.Blocks()))
	next, err := second.driver.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(101), next)

	n, err := second.series.Len(recovery.ChainStateSeries)
	require.NoError(t, err)
	require.Equal(t, uint64(101), n, "series above the checkpoint are truncated")

	require.NoError(t, second.driver.SyncToTip(ctx))
	requireSameState(t, runFrom(t, chainA), second)
}

func TestStart_ResumesWithSmallestReorgWindow(t *testing.T) {
	ctx := context.Background()
	first := runFrom(t, chainA)

	second := newHarness(t, first.db, testutil.NewMemSource(chainA.Blocks()), func(c *recovery.Config) {
		c.ReorgWindow = 1
	})
	next, err := second.driver.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(101), next, "a one-block window still loads the checkpoint's parent")

	heights, err := second.cps.Heights()
	require.NoError(t, err)
	require.Equal(t, []uint64{100}, heights)
}

func TestStart_TamperedChainStateFallsBackToFresh(t *testing.T) {
	ctx := context.Background()
	first := runFrom(t, chainA)

	var cs core.ChainState
	require.NoError(t, first.series.Get(recovery.ChainStateSeries, 100, &cs))
	cs.StateHash[0] ^= 0xff
	require.NoError(t, first.series.TruncatePush(recovery.ChainStateSeries, 100, cs))

	second := newHarness(t, first.db, testutil.NewMemSource(chainA.Blocks()))
	next, err := second.driver.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), next)
	require.Equal(t, uint64(0), second.engine.NextHeight())

	for _, name := range []string{recovery.ChainStateSeries, recovery.CohortSeries("all")} {
		n, err := second.series.Len(name)
		require.NoError(t, err)
		require.Zero(t, n, name)
	}
	heights, err := second.cps.Heights()
	require.NoError(t, err)
	require.Empty(t, heights)

	require.NoError(t, second.driver.SyncToTip(ctx))
	requireSameState(t, runFrom(t, chainA), second)
}

// ============================================================================
// Test: Reorg
// ============================================================================

func TestReorg_RollbackAndReplayMatchesFreshRun(t *testing.T) {
	ctx := context.Background()
	source := testutil.NewMemSource(chainA.Blocks())
	h := newHarness(t, testutil.MemPebble(t), source)

	_, err := h.driver.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, h.driver.SyncToTip(ctx))

	last, _ := h.engine.LastChainState()
	require.Equal(t, uint64(110), last.Height)
	require.Equal(t, chainA.BlockHash(110), last.BlockHash)

	// Chain B replaces 101..110 at the same length.
	source.Set(chainB.Blocks())
	require.NoError(t, h.driver.SyncToTip(ctx))

	last, _ = h.engine.LastChainState()
	require.Equal(t, uint64(110), last.Height)
	require.Equal(t, chainB.BlockHash(110), last.BlockHash)

	requireSameState(t, runFrom(t, chainB), h)
}

func TestReorg_ShorterChain(t *testing.T) {
	ctx := context.Background()
	source := testutil.NewMemSource(chainA.Blocks())
	h := newHarness(t, testutil.MemPebble(t), source)
	_, err := h.driver.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, h.driver.SyncToTip(ctx))

	shorter := testutil.SyntheticChain{Length: 105, Fork: 101, Variant: "b"}
	source.Set(shorter.Blocks())
	require.NoError(t, h.driver.SyncToTip(ctx))

	last, _ := h.engine.LastChainState()
	require.Equal(t, uint64(104), last.Height)
	require.Equal(t, shorter.BlockHash(104), last.BlockHash)

	requireSameState(t, runFrom(t, shorter), h)
}

func TestReorg_LongerChainDetectedThroughParentHash(t *testing.T) {
	ctx := context.Background()
	source := testutil.NewMemSource(chainA.Blocks())
	h := newHarness(t, testutil.MemPebble(t), source)
	_, err := h.driver.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, h.driver.SyncToTip(ctx))

	longer := testutil.SyntheticChain{Length: 115, Fork: 105, Variant: "c"}
	source.Set(longer.Blocks())
	require.NoError(t, h.driver.SyncToTip(ctx))

	requireSameState(t, runFrom(t, longer), h)
}

func TestReorg_BelowEveryCheckpointRebuildsFromGenesis(t *testing.T) {
	ctx := context.Background()
	source := testutil.NewMemSource(chainA.Blocks())
	h := newHarness(t, testutil.MemPebble(t), source)
	_, err := h.driver.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, h.driver.SyncToTip(ctx))

	deep := testutil.SyntheticChain{Length: 111, Fork: 50, Variant: "d"}
	source.Set(deep.Blocks())
	require.NoError(t, h.driver.SyncToTip(ctx))

	requireSameState(t, runFrom(t, deep), h)
}

// ============================================================================
// Test: RecoverState
// ============================================================================

func TestRecoverState_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := runFrom(t, chainA)

	require.Equal(t, uint64(101), h.driver.RecoverState(ctx, 100))
	once := h.stateHashes(t)
	lastOnce, _ := h.engine.LastChainState()

	require.Equal(t, uint64(101), h.driver.RecoverState(ctx, 100))
	twice := h.stateHashes(t)
	lastTwice, _ := h.engine.LastChainState()

	require.Len(t, once, 101)
	require.Equal(t, once, twice)
	require.Equal(t, lastOnce, lastTwice)
	require.Equal(t, uint64(101), h.engine.NextHeight())

	n, err := h.series.Len(recovery.CohortSeries("1d_to_1w"))
	require.NoError(t, err)
	require.Equal(t, uint64(101), n)
}

func TestRecoverState_MissingCheckpointFailsClosed(t *testing.T) {
	ctx := context.Background()
	h := runFrom(t, chainA)

	require.Equal(t, uint64(0), h.driver.RecoverState(ctx, 50))
	require.Equal(t, uint64(0), h.engine.NextHeight())
	_, ok := h.engine.LastChainState()
	require.False(t, ok)

	n, err := h.series.Len(recovery.ChainStateSeries)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, testutil.MemPebble(t), testutil.NewMemSource(chainA.Blocks()))
	ctx, cancel := context.WithCancel(context.Background())
	_, err := h.driver.Start(ctx)
	require.NoError(t, err)

	cancel()
	require.ErrorIs(t, h.driver.Run(ctx), context.Canceled)
	require.Equal(t, uint64(0), h.engine.NextHeight())
}
