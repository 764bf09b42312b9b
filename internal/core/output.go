package core

import (
	"CohortLedger/internal/event"
	fpmath "CohortLedger/internal/math"
	"CohortLedger/internal/state"
	"time"
)

// ChainState is the per-height record needed to resume and verify replay.
type ChainState struct {
	Height    uint64            `json:"height"`
	BlockHash event.Hash        `json:"block_hash"`
	PrevHash  event.Hash        `json:"prev_hash"`
	Timestamp time.Time         `json:"timestamp"`
	Price     fpmath.Cents      `json:"price"`
	DateClose *DateCloseRecord  `json:"date_close,omitempty"`
	Supply    state.SupplyState `json:"supply"`
	StateHash event.Hash        `json:"state_hash"`
}

type DateCloseRecord struct {
	DateIndex uint32       `json:"date_index"`
	Price     fpmath.Cents `json:"price"`
}

// PriceRange bounds the acquisition prices a cohort holds.
type PriceRange struct {
	Low  fpmath.Cents `json:"low"`
	High fpmath.Cents `json:"high"`
}

// CohortRecord is one cohort's output at one height.
type CohortRecord struct {
	Height   uint64                  `json:"height"`
	CohortID string                  `json:"cohort_id"`
	Supply   state.SupplyState       `json:"supply"`
	Deltas   state.BlockDeltas       `json:"deltas"`
	Realized *state.RealizedSnapshot `json:"realized,omitempty"`

	Unrealized       *state.UnrealizedState `json:"unrealized,omitempty"`
	UnrealizedAtDate *state.UnrealizedState `json:"unrealized_at_date,omitempty"`
	Percentiles      *state.Percentiles     `json:"percentiles,omitempty"`
	PriceRange       *PriceRange            `json:"price_range,omitempty"`

	// Buckets walked by the incremental unrealized update for this height.
	CrossedBuckets int `json:"crossed_buckets"`
}

// BlockOutput is everything the engine produced for one block.
type BlockOutput struct {
	ChainState ChainState
	Records    []CohortRecord
}
