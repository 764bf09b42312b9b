package state

import (
	fpmath "CohortLedger/internal/math"
	"encoding/binary"
	"fmt"
)

// CohortState is the per-cohort aggregate mutated on every block.
//
// Price tracking is a capability fixed at construction: supply-only cohorts carry
// no distribution, cache or realized state, and every price-aware operation goes
// through the PricedSupply gateway.
type CohortState struct {
	id     string
	supply SupplyState
	deltas BlockDeltas
	priced *PricedSupply // nil for supply-only cohorts
}

// NewCohortState creates an empty cohort.
func NewCohortState(id string, priceAware bool) *CohortState {
	s := &CohortState{id: id}
	if priceAware {
		s.priced = NewPricedSupply()
	}
	return s
}

func (s *CohortState) ID() string {
	return s.id
}

func (s *CohortState) Supply() SupplyState {
	return s.supply
}

func (s *CohortState) Deltas() BlockDeltas {
	return s.deltas
}

func (s *CohortState) PriceAware() bool {
	return s.priced != nil
}

// Priced exposes the read side of the price gateway. Nil for supply-only cohorts.
func (s *CohortState) Priced() *PricedSupply {
	return s.priced
}

// BeginBlock clears per-block scratch and realized flows.
func (s *CohortState) BeginBlock() {
	s.deltas = BlockDeltas{}
	if s.priced != nil {
		s.priced.realized.ResetFlows()
	}
}

// Increment moves a UTXO into this cohort without realizing anything,
// e.g. when it ages into this bracket.
func (s *CohortState) Increment(supply SupplyState, price fpmath.Cents) {
	s.supply.Add(supply)
	if s.priced != nil {
		s.priced.increment(price, supply.Value)
	}
}

// Decrement moves a UTXO out of this cohort without realizing anything.
func (s *CohortState) Decrement(supply SupplyState, price fpmath.Cents) {
	s.supply.Sub(supply)
	if s.priced != nil {
		s.priced.decrement(price, supply.Value)
	}
}

// Receive records a newly created UTXO acquired at price.
func (s *CohortState) Receive(supply SupplyState, price fpmath.Cents) {
	s.supply.Add(supply)
	s.deltas.Received = s.deltas.Received.CheckedAdd(supply.Value)
	if s.priced != nil {
		s.priced.receive(price, supply.Value)
	}
}

// Send records a UTXO acquired at prevPrice being spent at currentPrice.
func (s *CohortState) Send(
	supply SupplyState,
	currentPrice fpmath.Cents,
	prevPrice fpmath.Cents,
	blocksOld uint64,
	daysOld uint64,
	olderThanHour bool,
) {
	s.supply.Sub(supply)
	s.deltas.recordSend(supply.Value, blocksOld, daysOld)
	if s.priced != nil {
		s.priced.send(supply.Value, currentPrice, prevPrice, olderThanHour)
	}
}

// ComputeUnrealizedStates evaluates at the block price through the incremental
// cache and, when a daily close is given, at that price standalone so the cache
// never follows a second price series.
// Supply-only cohorts return zero values.
func (s *CohortState) ComputeUnrealizedStates(heightPrice fpmath.Cents, datePrice *fpmath.Cents) (UnrealizedState, *UnrealizedState) {
	if s.priced == nil {
		return UnrealizedState{}, nil
	}
	atHeight := s.priced.UnrealizedAt(heightPrice)
	if datePrice == nil {
		return atHeight, nil
	}
	atDate := s.priced.UnrealizedStandalone(*datePrice)
	return atHeight, &atDate
}

// Reset empties the cohort for a fresh start.
func (s *CohortState) Reset() {
	s.supply = SupplyState{}
	s.deltas = BlockDeltas{}
	if s.priced != nil {
		s.priced.reset()
	}
}

// ResetPriceToAmountIfNeeded clears a distribution left over while the cohort's
// supply is empty (a fresh start over stale state). The cache is always dropped.
func (s *CohortState) ResetPriceToAmountIfNeeded() bool {
	if s.priced == nil {
		return false
	}
	s.priced.invalidate()
	if s.supply.IsEmpty() && s.priced.dist.Len() > 0 {
		s.priced.reset()
		return true
	}
	return false
}

// Validate checks the cohort's internal consistency.
func (s *CohortState) Validate() error {
	if s.supply.UTXOCount == 0 && s.supply.Value != 0 {
		return fmt.Errorf("cohort %s: %d sats held by zero utxos", s.id, s.supply.Value)
	}
	if s.priced == nil {
		return nil
	}
	if total := s.priced.dist.TotalAmount(); total != s.supply.Value {
		return fmt.Errorf("cohort %s: distribution total %d != supply %d", s.id, total, s.supply.Value)
	}
	if raw, _, ok := s.priced.CachedRaw(); ok {
		split := raw.SupplyInProfit.CheckedAdd(raw.SupplyInLoss)
		if split != s.supply.Value {
			return fmt.Errorf("cohort %s: profit %d + loss %d != supply %d",
				s.id, raw.SupplyInProfit, raw.SupplyInLoss, s.supply.Value)
		}
	}
	return nil
}

// Digest returns canonical bytes of the persistent part of the cohort for state hashing.
func (s *CohortState) Digest() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, byte(len(s.id)))
	buf = append(buf, s.id...)
	buf = binary.LittleEndian.AppendUint64(buf, s.supply.UTXOCount)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.supply.Value))
	if s.priced == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	realized := s.priced.realized
	for _, acc := range []fpmath.CentsSats{realized.Cap, realized.CumulativeProfit, realized.CumulativeLoss} {
		b := acc.Bytes32()
		buf = append(buf, b[:]...)
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.priced.dist.TotalAmount()))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.priced.dist.Len()))
	fp := s.priced.dist.Fingerprint()
	return append(buf, fp[:]...)
}
