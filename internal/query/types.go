package query

import (
	"CohortLedger/internal/core"
	fpmath "CohortLedger/internal/math"
	"time"
)

// CohortMetricsResponse is one cohort row for API queries.
type CohortMetricsResponse struct {
	Height         uint64            `json:"height"`
	CohortID       string            `json:"cohort_id"`
	RealizedCapRaw *fpmath.CentsSats `json:"realized_cap_raw,omitempty"`
	Record         core.CohortRecord `json:"record"`
	AsOfHeight     int64             `json:"as_of_height"`
}

// LatestResponse is the projected newest record of a cohort.
type LatestResponse struct {
	CohortID  string            `json:"cohort_id"`
	Height    uint64            `json:"height"`
	Record    core.CohortRecord `json:"record"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ChainStateResponse is one chain_state row.
type ChainStateResponse struct {
	Height         uint64       `json:"height"`
	BlockHash      string       `json:"block_hash"`
	PrevHash       string       `json:"prev_hash"`
	BlockTime      time.Time    `json:"block_time"`
	Price          fpmath.Cents `json:"price"`
	DateIndex      *int32       `json:"date_index,omitempty"`
	DatePrice      *int64       `json:"date_price,omitempty"`
	UTXOCount      uint64       `json:"utxo_count"`
	SupplySats     fpmath.Sats  `json:"supply_sats"`
	StateHash      string       `json:"state_hash"`
	CohortRowCount int          `json:"cohort_row_count"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy      bool     `json:"is_healthy"`
	MaxHeight      int64    `json:"max_height"`
	MissingHeights []int64  `json:"missing_heights,omitempty"`
	LinkageBreaks  []int64  `json:"linkage_breaks,omitempty"`
	SupplyBreaks   []int64  `json:"supply_breaks,omitempty"`
	UnevenHeights  []int64  `json:"uneven_heights,omitempty"`
	Cohorts        []string `json:"cohorts,omitempty"`
}
