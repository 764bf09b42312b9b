package core_test

import (
	"CohortLedger/internal/cohort"
	"CohortLedger/internal/core"
	"CohortLedger/internal/event"
	"CohortLedger/internal/observability"
	"CohortLedger/internal/state"
	"CohortLedger/internal/testutil"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// --- Test helpers ---

func newTestEngine(t *testing.T) *core.Engine {
	t.Helper()
	return newLoggedEngine(t, zerolog.Nop())
}

func newLoggedEngine(t *testing.T, logger zerolog.Logger) *core.Engine {
	t.Helper()
	router, err := cohort.NewRouter(cohort.Defaults())
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	e := core.NewEngine(router, core.EngineConfig{Workers: 4, InvariantInterval: 1, ReorgWindow: 10}, nil, logger)
	t.Cleanup(e.Close)
	return e
}

func mustApply(t *testing.T, e *core.Engine, blocks []*event.Block) *core.BlockOutput {
	t.Helper()
	var out *core.BlockOutput
	for _, b := range blocks {
		var err error
		out, err = e.ProcessBlock(b)
		if err != nil {
			t.Fatalf("process block %d: %v", b.Height, err)
		}
	}
	return out
}

func recordOf(t *testing.T, out *core.BlockOutput, id string) core.CohortRecord {
	t.Helper()
	for _, r := range out.Records {
		if r.CohortID == id {
			return r
		}
	}
	t.Fatalf("no record for cohort %s", id)
	return core.CohortRecord{}
}

// checkpointLoader serves snapshots from a single checkpoint.
type checkpointLoader struct {
	data *core.CheckpointData
}

func (l checkpointLoader) LoadAtOrBefore(cohortID string, height uint64) (*state.CohortSnapshot, error) {
	if l.data.Height > height {
		return nil, errors.New("not found")
	}
	for i := range l.data.Cohorts {
		if l.data.Cohorts[i].CohortID == cohortID {
			snap := l.data.Cohorts[i]
			return &snap, nil
		}
	}
	return nil, errors.New("not found")
}

func chainTail(outputs []*core.BlockOutput) []core.ChainState {
	tail := make([]core.ChainState, len(outputs))
	for i, o := range outputs {
		tail[i] = o.ChainState
	}
	return tail
}

// ============================================================================
// Test: Block application
// ============================================================================

func TestProcessBlock_ProducesRecordPerCohort(t *testing.T) {
	e := newTestEngine(t)
	blocks := testutil.SyntheticChain{Length: 30}.Blocks()
	out := mustApply(t, e, blocks)

	if got, want := len(out.Records), len(cohort.Defaults().Cohorts); got != want {
		t.Fatalf("records: got %d, want %d", got, want)
	}
	if out.ChainState.Height != 29 || out.ChainState.BlockHash != blocks[29].Hash {
		t.Errorf("chain state: got height %d hash %s", out.ChainState.Height, out.ChainState.BlockHash)
	}

	all := recordOf(t, out, "all")
	if all.Supply != out.ChainState.Supply {
		t.Errorf("chain supply %+v != all supply %+v", out.ChainState.Supply, all.Supply)
	}
	if all.Realized == nil || all.Unrealized == nil || all.Percentiles == nil {
		t.Fatal("all cohort must carry realized, unrealized and percentiles")
	}
	if got := all.Unrealized.SupplyInProfit + all.Unrealized.SupplyInLoss; got != all.Supply.Value {
		t.Errorf("profit+loss supply %d != %d", got, all.Supply.Value)
	}
	if all.PriceRange == nil {
		t.Fatal("all cohort holds supply and must carry a price range")
	}
	for _, p := range all.Percentiles {
		if p < all.PriceRange.Low || p > all.PriceRange.High {
			t.Errorf("percentile %s outside price range %+v", p, *all.PriceRange)
		}
	}

	p2pkh := recordOf(t, out, "p2pkh")
	if p2pkh.Realized != nil || p2pkh.Unrealized != nil || p2pkh.PriceRange != nil {
		t.Error("type cohorts are supply-only")
	}

	young := recordOf(t, out, "up_to_1d")
	if young.Percentiles != nil {
		t.Error("percentiles are only computed where enabled")
	}
	if young.Unrealized == nil {
		t.Fatal("age cohorts are price-aware")
	}
}

func TestProcessBlock_DateCloseOnlyWhenPresent(t *testing.T) {
	e := newTestEngine(t)
	blocks := testutil.SyntheticChain{Length: 12, DateEvery: 10}.Blocks()

	out := mustApply(t, e, blocks[:11])
	atDate := recordOf(t, out, "all").UnrealizedAtDate
	if atDate == nil {
		t.Fatal("height 10 closes a day and must carry a date evaluation")
	}
	if got := atDate.SupplyInProfit + atDate.SupplyInLoss; got != recordOf(t, out, "all").Supply.Value {
		t.Errorf("date evaluation covers %d sats", got)
	}
	out = mustApply(t, e, blocks[11:])
	if recordOf(t, out, "all").UnrealizedAtDate != nil {
		t.Error("height 11 must not carry a date evaluation")
	}
}

func TestProcessBlock_SpendMovesRealized(t *testing.T) {
	e := newTestEngine(t)
	chain := testutil.SyntheticChain{Length: 11, SpendAfter: 10}
	out := mustApply(t, e, chain.Blocks())

	all := recordOf(t, out, "all")
	if all.Deltas.SpentUTXOs != 1 {
		t.Errorf("spent utxos: got %d, want 1", all.Deltas.SpentUTXOs)
	}
	if all.Deltas.SatBlocksDestroyed.IsZero() {
		t.Error("sat-blocks destroyed should accumulate on spend")
	}
	if all.Supply.UTXOCount != 10 {
		t.Errorf("utxo count: got %d, want 10", all.Supply.UTXOCount)
	}
	if (all.Realized.Profit == 0) == (all.Realized.Loss == 0) {
		t.Errorf("exactly one of profit/loss should move: profit %s loss %s", all.Realized.Profit, all.Realized.Loss)
	}
}

func TestStateHash_Deterministic(t *testing.T) {
	blocks := testutil.SyntheticChain{Length: 40}.Blocks()
	a := mustApply(t, newTestEngine(t), blocks)
	b := mustApply(t, newTestEngine(t), blocks)

	if a.ChainState.StateHash != b.ChainState.StateHash {
		t.Fatal("same blocks must give the same state hash")
	}

	other := testutil.SyntheticChain{Length: 40, Fork: 39, Variant: "x"}.Blocks()
	c := mustApply(t, newTestEngine(t), other)
	if a.ChainState.StateHash == c.ChainState.StateHash {
		t.Fatal("different last block must change the state hash")
	}
}

// ============================================================================
// Test: Validation
// ============================================================================

func TestProcessBlock_HeightGap(t *testing.T) {
	e := newTestEngine(t)
	blocks := testutil.SyntheticChain{Length: 5}.Blocks()
	mustApply(t, e, blocks[:2])

	_, err := e.ProcessBlock(blocks[3])
	if !errors.Is(err, core.ErrHeightGap) {
		t.Fatalf("expected ErrHeightGap, got %v", err)
	}
	if e.NextHeight() != 2 {
		t.Errorf("next height moved to %d", e.NextHeight())
	}
}

func TestProcessBlock_Duplicate(t *testing.T) {
	e := newTestEngine(t)
	blocks := testutil.SyntheticChain{Length: 5}.Blocks()
	mustApply(t, e, blocks)

	_, err := e.ProcessBlock(blocks[3])
	if !errors.Is(err, core.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
}

func TestProcessBlock_ReorgDetected(t *testing.T) {
	e := newTestEngine(t)
	a := testutil.SyntheticChain{Length: 6}.Blocks()
	b := testutil.SyntheticChain{Length: 7, Fork: 4, Variant: "b"}.Blocks()
	mustApply(t, e, a)

	// Same height, different hash.
	_, err := e.ProcessBlock(b[4])
	var reorg *core.ReorgError
	if !errors.As(err, &reorg) || reorg.Height != 4 {
		t.Fatalf("expected reorg at 4, got %v", err)
	}

	// Next height, parent not our tip.
	_, err = e.ProcessBlock(b[6])
	if !errors.As(err, &reorg) || reorg.Height != 5 {
		t.Fatalf("expected reorg at 5 via parent hash, got %v", err)
	}
}

func TestProcessBlock_InvalidEventMutatesNothing(t *testing.T) {
	e := newTestEngine(t)
	blocks := testutil.SyntheticChain{Length: 4}.Blocks()
	before := mustApply(t, e, blocks[:3])

	bad := *blocks[3]
	bad.Events = append([]event.UTXOEvent{}, bad.Events...)
	bad.Events = append(bad.Events, event.UTXOEvent{Type: event.UTXOEventCreated, OutputType: event.OutputTypeP2TR})

	_, err := e.ProcessBlock(&bad)
	if !errors.Is(err, core.ErrInvalidBlock) {
		t.Fatalf("expected ErrInvalidBlock, got %v", err)
	}
	if e.NextHeight() != 3 {
		t.Fatalf("next height moved to %d", e.NextHeight())
	}
	last, _ := e.LastChainState()
	if last.StateHash != before.ChainState.StateHash {
		t.Fatal("rejected block changed the state hash")
	}
	if r, _ := e.Latest("all"); r.Supply != recordOf(t, before, "all").Supply {
		t.Fatal("rejected block changed supply")
	}

	// The valid block still applies afterwards.
	mustApply(t, e, blocks[3:])
}

// ============================================================================
// Test: Checkpoint / Restore
// ============================================================================

func TestCheckpointRestore_ContinuesIdentically(t *testing.T) {
	blocks := testutil.SyntheticChain{Length: 60}.Blocks()

	ref := newTestEngine(t)
	var outputs []*core.BlockOutput
	for _, b := range blocks[:40] {
		out, err := ref.ProcessBlock(b)
		if err != nil {
			t.Fatal(err)
		}
		outputs = append(outputs, out)
	}

	var data *core.CheckpointData
	if err := ref.Checkpoint(func(d *core.CheckpointData) error {
		data = d
		return nil
	}); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if data.Height != 39 || len(data.Cohorts) != len(cohort.Defaults().Cohorts) {
		t.Fatalf("checkpoint: height %d with %d cohorts", data.Height, len(data.Cohorts))
	}

	var logs bytes.Buffer
	restored := newLoggedEngine(t, observability.NewTestLogger(&logs, "engine"))
	if err := restored.Restore(checkpointLoader{data}, chainTail(outputs[30:])); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.NextHeight() != 40 {
		t.Fatalf("next height: got %d, want 40", restored.NextHeight())
	}
	if !strings.Contains(logs.String(), `"message":"engine restored from checkpoint"`) ||
		!strings.Contains(logs.String(), `"height":39`) {
		t.Errorf("restore log line missing: %s", logs.String())
	}

	want := mustApply(t, ref, blocks[40:])
	got := mustApply(t, restored, blocks[40:])
	if want.ChainState.StateHash != got.ChainState.StateHash {
		t.Fatal("restored engine diverged from reference")
	}
	for i := range want.Records {
		w, g := want.Records[i], got.Records[i]
		if w.Unrealized != nil && *w.Unrealized != *g.Unrealized {
			t.Errorf("cohort %s unrealized: want %+v, got %+v", w.CohortID, *w.Unrealized, *g.Unrealized)
		}
	}

	// Redelivery inside the window is still recognised after restore.
	if _, err := restored.ProcessBlock(blocks[35]); !errors.Is(err, core.ErrAlreadyProcessed) {
		t.Errorf("expected ErrAlreadyProcessed after restore, got %v", err)
	}
}

func TestRestore_HashMismatch(t *testing.T) {
	blocks := testutil.SyntheticChain{Length: 20}.Blocks()
	ref := newTestEngine(t)
	var outputs []*core.BlockOutput
	for _, b := range blocks {
		out, err := ref.ProcessBlock(b)
		if err != nil {
			t.Fatal(err)
		}
		outputs = append(outputs, out)
	}
	var data *core.CheckpointData
	ref.Checkpoint(func(d *core.CheckpointData) error { data = d; return nil })

	tail := chainTail(outputs[15:])
	tail[len(tail)-1].StateHash[5] ^= 1

	restored := newTestEngine(t)
	if err := restored.Restore(checkpointLoader{data}, tail); err == nil {
		t.Fatal("restore must reject a state hash mismatch")
	}
}

func TestRestore_MissingPreviousChainState(t *testing.T) {
	blocks := testutil.SyntheticChain{Length: 5}.Blocks()
	ref := newTestEngine(t)
	out := mustApply(t, ref, blocks)

	var data *core.CheckpointData
	ref.Checkpoint(func(d *core.CheckpointData) error { data = d; return nil })

	restored := newTestEngine(t)
	if err := restored.Restore(checkpointLoader{data}, []core.ChainState{out.ChainState}); err == nil {
		t.Fatal("restore above genesis needs the previous chain state")
	}
}

func TestCheckpoint_BeforeFirstBlock(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Checkpoint(func(*core.CheckpointData) error { return nil }); err == nil {
		t.Fatal("checkpoint without an applied block must fail")
	}
}

func TestReset_ReturnsToGenesis(t *testing.T) {
	e := newTestEngine(t)
	blocks := testutil.SyntheticChain{Length: 10}.Blocks()
	first := mustApply(t, e, blocks)

	e.Reset()
	if e.NextHeight() != 0 {
		t.Fatalf("next height after reset: %d", e.NextHeight())
	}
	if len(e.LatestAll()) != 0 {
		t.Fatal("latest records survive reset")
	}
	again := mustApply(t, e, blocks)
	if again.ChainState.StateHash != first.ChainState.StateHash {
		t.Fatal("replay after reset must reproduce the state hash")
	}
}
