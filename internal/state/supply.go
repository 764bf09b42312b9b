package state

import (
	fpmath "CohortLedger/internal/math"
	"fmt"
)

// SupplyState is the aggregate size of a cohort.
type SupplyState struct {
	UTXOCount uint64      `json:"utxo_count"`
	Value     fpmath.Sats `json:"value"`
}

// Add accumulates other into s.
func (s *SupplyState) Add(other SupplyState) {
	s.UTXOCount += other.UTXOCount
	s.Value = s.Value.CheckedAdd(other.Value)
}

// Sub removes other from s. Removing more than is held panics.
func (s *SupplyState) Sub(other SupplyState) {
	if other.UTXOCount > s.UTXOCount {
		panic(fmt.Sprintf("FATAL: utxo count underflow: %d - %d", s.UTXOCount, other.UTXOCount))
	}
	s.UTXOCount -= other.UTXOCount
	s.Value = s.Value.CheckedSub(other.Value)
	if s.UTXOCount == 0 && s.Value != 0 {
		panic(fmt.Sprintf("FATAL: supply holds %d sats with zero utxos", s.Value))
	}
}

// IsEmpty returns true if the cohort holds nothing.
func (s SupplyState) IsEmpty() bool {
	return s.UTXOCount == 0 && s.Value == 0
}
