package state

import (
	"fmt"
)

// CohortSnapshot is the persisted form of a cohort at a checkpoint height.
type CohortSnapshot struct {
	CohortID string         `json:"cohort_id"`
	Height   uint64         `json:"height"`
	Supply   SupplyState    `json:"supply"`
	Realized *RealizedState `json:"realized,omitempty"`
	Buckets  []Bucket       `json:"buckets,omitempty"`
}

// SnapshotLoader finds the latest persisted snapshot of a cohort at or below a height.
type SnapshotLoader interface {
	LoadAtOrBefore(cohortID string, height uint64) (*CohortSnapshot, error)
}

// Snapshot captures the persistent state of the cohort.
func (s *CohortState) Snapshot(height uint64) CohortSnapshot {
	snap := CohortSnapshot{
		CohortID: s.id,
		Height:   height,
		Supply:   s.supply,
	}
	if s.priced != nil {
		realized := s.priced.realized
		realized.ResetFlows()
		snap.Realized = &realized
		snap.Buckets = s.priced.Buckets()
	}
	return snap
}

// Import replaces the cohort's state with snap. The unrealized cache is dropped.
// A snapshot that disagrees with the cohort's capability or with itself is
// rejected and leaves the cohort untouched.
func (s *CohortState) Import(snap *CohortSnapshot) error {
	if snap.CohortID != s.id {
		return fmt.Errorf("snapshot for cohort %s imported into %s", snap.CohortID, s.id)
	}
	if (snap.Realized != nil) != (s.priced != nil) {
		return fmt.Errorf("cohort %s: snapshot price tracking mismatch", s.id)
	}
	if snap.Supply.UTXOCount == 0 && snap.Supply.Value != 0 {
		return fmt.Errorf("cohort %s: snapshot holds %d sats with zero utxos", s.id, snap.Supply.Value)
	}

	if s.priced != nil {
		var total uint64
		var prev uint64
		for i, b := range snap.Buckets {
			if b.Amount == 0 {
				return fmt.Errorf("cohort %s: snapshot bucket at %s is empty", s.id, b.Price)
			}
			if i > 0 && uint64(b.Price) <= prev {
				return fmt.Errorf("cohort %s: snapshot buckets out of order at %s", s.id, b.Price)
			}
			prev = uint64(b.Price)
			total += uint64(b.Amount)
		}
		if total != uint64(snap.Supply.Value) {
			return fmt.Errorf("cohort %s: snapshot buckets total %d != supply %d", s.id, total, snap.Supply.Value)
		}
		s.priced.load(snap.Buckets, *snap.Realized)
	}

	s.supply = snap.Supply
	s.deltas = BlockDeltas{}
	return nil
}

// ImportAtOrBefore restores the latest snapshot at or below height and returns
// its height. The unrealized cache is always dropped.
func (s *CohortState) ImportAtOrBefore(loader SnapshotLoader, height uint64) (uint64, error) {
	if s.priced != nil {
		s.priced.invalidate()
	}
	snap, err := loader.LoadAtOrBefore(s.id, height)
	if err != nil {
		return 0, fmt.Errorf("load cohort %s at or before %d: %w", s.id, height, err)
	}
	if err := s.Import(snap); err != nil {
		return 0, err
	}
	return snap.Height, nil
}
