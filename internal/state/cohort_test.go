package state_test

import (
	fpmath "CohortLedger/internal/math"
	"CohortLedger/internal/state"
	"bytes"
	"errors"
	"testing"
)

func utxo(sats fpmath.Sats) state.SupplyState {
	return state.SupplyState{UTXOCount: 1, Value: sats}
}

type memLoader map[string][]state.CohortSnapshot

func (m memLoader) LoadAtOrBefore(cohortID string, height uint64) (*state.CohortSnapshot, error) {
	var best *state.CohortSnapshot
	for i := range m[cohortID] {
		s := m[cohortID][i]
		if s.Height <= height && (best == nil || s.Height > best.Height) {
			best = &s
		}
	}
	if best == nil {
		return nil, errors.New("not found")
	}
	return best, nil
}

// ============================================================================
// Test: CohortState lifecycle
// ============================================================================

func TestCohortState_ReceiveSend(t *testing.T) {
	c := state.NewCohortState("all", true)
	c.BeginBlock()
	c.Receive(utxo(1000), 100)
	c.Receive(utxo(500), 200)

	if got := c.Supply(); got.UTXOCount != 2 || got.Value != 1500 {
		t.Fatalf("supply: got %+v", got)
	}
	realized := c.Priced().Realized()
	wantCap := fpmath.MulCentsSats(100, 1000).Add(fpmath.MulCentsSats(200, 500))
	if !realized.Cap.Eq(wantCap) {
		t.Errorf("cap: got %s, want %s", realized.Cap, wantCap)
	}

	c.BeginBlock()
	c.Send(utxo(1000), 150, 100, 144, 1, true)

	if got := c.Supply(); got.UTXOCount != 1 || got.Value != 500 {
		t.Fatalf("supply after send: got %+v", got)
	}
	realized = c.Priced().Realized()
	if !realized.Profit.Eq(fpmath.MulCentsSats(50, 1000)) {
		t.Errorf("profit: got %s", realized.Profit)
	}
	if !realized.Loss.IsZero() {
		t.Errorf("loss: got %s, want 0", realized.Loss)
	}
	if !realized.AdjValueCreated.Eq(fpmath.MulCentsSats(150, 1000)) {
		t.Errorf("adj value created: got %s", realized.AdjValueCreated)
	}
	if !realized.Cap.Eq(fpmath.MulCentsSats(200, 500)) {
		t.Errorf("cap after send: got %s", realized.Cap)
	}

	deltas := c.Deltas()
	if deltas.Sent != 1000 || deltas.SpentUTXOs != 1 {
		t.Errorf("deltas: got %+v", deltas)
	}
	if !deltas.SatBlocksDestroyed.Eq(fpmath.MulSatBlocks(1000, 144)) {
		t.Errorf("sat-blocks destroyed: got %s", deltas.SatBlocksDestroyed)
	}

	c.BeginBlock()
	if c.Deltas() != (state.BlockDeltas{}) {
		t.Errorf("deltas not cleared: %+v", c.Deltas())
	}
	if !c.Priced().Realized().Profit.IsZero() {
		t.Error("realized flows not cleared")
	}
	if !c.Priced().Realized().CumulativeProfit.Eq(fpmath.MulCentsSats(50, 1000)) {
		t.Error("cumulative profit should survive block boundary")
	}
}

func TestCohortState_SendAtLoss(t *testing.T) {
	c := state.NewCohortState("all", true)
	c.Receive(utxo(10), 500)
	c.BeginBlock()
	c.Send(utxo(10), 300, 500, 1, 0, false)

	r := c.Priced().Realized()
	if !r.Loss.Eq(fpmath.MulCentsSats(200, 10)) {
		t.Errorf("loss: got %s", r.Loss)
	}
	if !r.AdjValueCreated.IsZero() {
		t.Error("young outputs must not count toward adjusted values")
	}
}

func TestCohortState_IncrementDecrementDoNotRealize(t *testing.T) {
	c := state.NewCohortState("1d_1w", true)
	c.Increment(utxo(700), 100)
	c.Decrement(utxo(700), 100)

	r := c.Priced().Realized()
	if !r.Profit.IsZero() || !r.Loss.IsZero() || !r.ValueCreated.IsZero() {
		t.Errorf("aging must not realize: %+v", r)
	}
	if c.Deltas().Sent != 0 {
		t.Errorf("aging must not count as sent")
	}
	if !c.Supply().IsEmpty() {
		t.Errorf("supply should be empty: %+v", c.Supply())
	}
}

func TestCohortState_SupplyOnly(t *testing.T) {
	c := state.NewCohortState("p2wpkh", false)
	c.Receive(utxo(100), 999)
	c.Send(utxo(40), 1, 999, 1, 1, true)

	if c.Priced() != nil {
		t.Fatal("supply-only cohort must not carry a price gateway")
	}
	atHeight, atDate := c.ComputeUnrealizedStates(1000, nil)
	if atHeight != (state.UnrealizedState{}) || atDate != nil {
		t.Errorf("supply-only unrealized should be zero, got %+v %v", atHeight, atDate)
	}
	if c.Supply().Value != 60 {
		t.Errorf("supply: got %d, want 60", c.Supply().Value)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

// ============================================================================
// Test: ComputeUnrealizedStates
// ============================================================================

func TestCohortState_DateCloseDoesNotMoveCache(t *testing.T) {
	c := state.NewCohortState("all", true)
	c.Receive(utxo(1000), 100)
	c.Receive(utxo(1000), 200)

	datePrice := fpmath.Cents(50)
	atHeight, atDate := c.ComputeUnrealizedStates(150, &datePrice)
	if atDate == nil {
		t.Fatal("expected date-close state")
	}
	if atHeight.SupplyInProfit != 1000 || atDate.SupplyInProfit != 0 {
		t.Errorf("profit split: height %d date %d", atHeight.SupplyInProfit, atDate.SupplyInProfit)
	}
	_, at, ok := c.Priced().CachedRaw()
	if !ok || at != 150 {
		t.Errorf("cache should stay at block price 150, got %d (valid=%v)", at, ok)
	}
}

func TestCohortState_CacheFollowsMutations(t *testing.T) {
	c := state.NewCohortState("all", true)
	c.Receive(utxo(1000), 100)
	c.ComputeUnrealizedStates(150, nil)

	c.Receive(utxo(300), 175)
	c.Send(utxo(1000), 160, 100, 10, 0, true)
	c.Receive(utxo(20), 160)

	got, _ := c.ComputeUnrealizedStates(170, nil)
	want := c.Priced().UnrealizedStandalone(170)
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

// ============================================================================
// Test: Snapshot / Import
// ============================================================================

func TestCohortState_SnapshotImportRoundTrip(t *testing.T) {
	c := state.NewCohortState("all", true)
	c.Receive(utxo(1000), 100)
	c.Receive(utxo(2000), 300)
	c.Send(utxo(1000), 400, 100, 5, 0, true)
	c.ComputeUnrealizedStates(250, nil)

	snap := c.Snapshot(42)
	restored := state.NewCohortState("all", true)
	if err := restored.Import(&snap); err != nil {
		t.Fatalf("import: %v", err)
	}
	if restored.Priced().CacheValid() {
		t.Error("import must drop the cache")
	}
	if !bytes.Equal(restored.Digest(), c.Digest()) {
		t.Error("digest mismatch after round trip")
	}
	a, _ := c.ComputeUnrealizedStates(350, nil)
	b, _ := restored.ComputeUnrealizedStates(350, nil)
	if a != b {
		t.Errorf("unrealized mismatch: %+v vs %+v", a, b)
	}
	if !restored.Priced().Realized().Profit.IsZero() {
		t.Error("flows must not be restored")
	}
}

func TestCohortState_PriceRange(t *testing.T) {
	c := state.NewCohortState("all", true)
	if _, _, ok := c.Priced().PriceRange(); ok {
		t.Error("empty cohort has no price range")
	}
	c.Receive(utxo(20), 400)
	c.Receive(utxo(10), 100)
	c.Receive(utxo(5), 250)
	if low, high, ok := c.Priced().PriceRange(); !ok || low != 100 || high != 400 {
		t.Errorf("range: got %s..%s ok=%v", low, high, ok)
	}
	c.Send(utxo(20), 500, 400, 1, 1, true)
	if _, high, _ := c.Priced().PriceRange(); high != 250 {
		t.Errorf("high after spending top bucket: got %s, want 250", high)
	}
}

func TestCohortState_DigestCoversBucketContents(t *testing.T) {
	c := state.NewCohortState("all", true)
	c.Receive(utxo(20), 100)
	c.Receive(utxo(10), 400)
	snap := c.Snapshot(1)

	// Moves supply between prices while keeping count, total and realized cap.
	snap.Buckets = []state.Bucket{{Price: 150, Amount: 10}, {Price: 225, Amount: 20}}
	tampered := state.NewCohortState("all", true)
	if err := tampered.Import(&snap); err != nil {
		t.Fatalf("import: %v", err)
	}
	if bytes.Equal(tampered.Digest(), c.Digest()) {
		t.Error("digest must change when bucket contents change")
	}
}

func TestCohortState_ImportRejectsInconsistentSnapshot(t *testing.T) {
	c := state.NewCohortState("all", true)
	c.Receive(utxo(5), 10)
	before := c.Digest()

	bad := state.CohortSnapshot{
		CohortID: "all",
		Supply:   state.SupplyState{UTXOCount: 1, Value: 100},
		Realized: &state.RealizedState{},
		Buckets:  []state.Bucket{{Price: 10, Amount: 99}},
	}
	if err := c.Import(&bad); err == nil {
		t.Fatal("expected error for bucket total mismatch")
	}
	if !bytes.Equal(c.Digest(), before) {
		t.Error("rejected import must leave the cohort untouched")
	}

	wrongKind := state.CohortSnapshot{CohortID: "all", Supply: state.SupplyState{}}
	if err := c.Import(&wrongKind); err == nil {
		t.Fatal("expected error for missing realized state")
	}
}

func TestCohortState_ImportAtOrBefore(t *testing.T) {
	c := state.NewCohortState("all", true)
	c.Receive(utxo(10), 100)
	s10 := c.Snapshot(10)
	c.Receive(utxo(20), 200)
	s20 := c.Snapshot(20)
	c.ComputeUnrealizedStates(150, nil)

	loader := memLoader{"all": {s10, s20}}
	h, err := c.ImportAtOrBefore(loader, 15)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if h != 10 {
		t.Errorf("height: got %d, want 10", h)
	}
	if c.Supply().Value != 10 {
		t.Errorf("supply: got %d, want 10", c.Supply().Value)
	}
	if c.Priced().CacheValid() {
		t.Error("cache should be invalidated")
	}

	if _, err := c.ImportAtOrBefore(loader, 5); err == nil {
		t.Error("expected error when nothing is at or before height")
	}
	if c.Priced().CacheValid() {
		t.Error("cache should be invalidated even on failure")
	}
}

func TestCohortState_ResetPriceToAmountIfNeeded(t *testing.T) {
	c := state.NewCohortState("all", true)
	c.Receive(utxo(10), 100)
	c.ComputeUnrealizedStates(100, nil)

	if c.ResetPriceToAmountIfNeeded() {
		t.Error("non-empty cohort must keep its distribution")
	}
	if c.Priced().CacheValid() {
		t.Error("cache must always be invalidated")
	}
	if c.Priced().BucketCount() != 1 {
		t.Errorf("buckets: got %d, want 1", c.Priced().BucketCount())
	}

	c.Reset()
	if c.Priced().BucketCount() != 0 || !c.Supply().IsEmpty() {
		t.Error("reset should empty the cohort")
	}
}
