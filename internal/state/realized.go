package state

import (
	fpmath "CohortLedger/internal/math"
)

// RealizedState tracks the acquisition basis of held supply and the profit or
// loss realized when supply is spent.
//
// Cap and the cumulative totals persist across blocks. The remaining fields are
// per-block flows cleared by ResetFlows.
type RealizedState struct {
	Cap fpmath.CentsSats `json:"cap"`

	Profit            fpmath.CentsSats `json:"profit"`
	Loss              fpmath.CentsSats `json:"loss"`
	ValueCreated      fpmath.CentsSats `json:"value_created"`
	ValueDestroyed    fpmath.CentsSats `json:"value_destroyed"`
	AdjValueCreated   fpmath.CentsSats `json:"adj_value_created"`
	AdjValueDestroyed fpmath.CentsSats `json:"adj_value_destroyed"`

	CumulativeProfit fpmath.CentsSats `json:"cumulative_profit"`
	CumulativeLoss   fpmath.CentsSats `json:"cumulative_loss"`
}

// ResetFlows clears the per-block fields.
func (r *RealizedState) ResetFlows() {
	r.Profit = fpmath.CentsSats{}
	r.Loss = fpmath.CentsSats{}
	r.ValueCreated = fpmath.CentsSats{}
	r.ValueDestroyed = fpmath.CentsSats{}
	r.AdjValueCreated = fpmath.CentsSats{}
	r.AdjValueDestroyed = fpmath.CentsSats{}
}

func (r *RealizedState) increment(price fpmath.Cents, sats fpmath.Sats) {
	r.Cap = r.Cap.Add(fpmath.MulCentsSats(price, sats))
}

func (r *RealizedState) decrement(price fpmath.Cents, sats fpmath.Sats) {
	r.Cap = r.Cap.Sub(fpmath.MulCentsSats(price, sats))
}

func (r *RealizedState) receive(price fpmath.Cents, sats fpmath.Sats) {
	r.increment(price, sats)
}

func (r *RealizedState) send(sats fpmath.Sats, currentPrice, prevPrice fpmath.Cents, olderThanHour bool) {
	r.decrement(prevPrice, sats)

	created := fpmath.MulCentsSats(currentPrice, sats)
	destroyed := fpmath.MulCentsSats(prevPrice, sats)
	r.ValueCreated = r.ValueCreated.Add(created)
	r.ValueDestroyed = r.ValueDestroyed.Add(destroyed)
	if olderThanHour {
		r.AdjValueCreated = r.AdjValueCreated.Add(created)
		r.AdjValueDestroyed = r.AdjValueDestroyed.Add(destroyed)
	}

	if currentPrice >= prevPrice {
		pnl := fpmath.MulCentsSats(currentPrice-prevPrice, sats)
		r.Profit = r.Profit.Add(pnl)
		r.CumulativeProfit = r.CumulativeProfit.Add(pnl)
	} else {
		pnl := fpmath.MulCentsSats(prevPrice-currentPrice, sats)
		r.Loss = r.Loss.Add(pnl)
		r.CumulativeLoss = r.CumulativeLoss.Add(pnl)
	}
}

// RealizedSnapshot is the display form of RealizedState.
type RealizedSnapshot struct {
	Cap               fpmath.Cents `json:"cap"`
	Profit            fpmath.Cents `json:"profit"`
	Loss              fpmath.Cents `json:"loss"`
	ValueCreated      fpmath.Cents `json:"value_created"`
	ValueDestroyed    fpmath.Cents `json:"value_destroyed"`
	AdjValueCreated   fpmath.Cents `json:"adj_value_created"`
	AdjValueDestroyed fpmath.Cents `json:"adj_value_destroyed"`
	CumulativeProfit  fpmath.Cents `json:"cumulative_profit"`
	CumulativeLoss    fpmath.Cents `json:"cumulative_loss"`

	CapRaw fpmath.CentsSats `json:"cap_raw"`
}

// Snapshot converts the raw accumulators to cents.
func (r *RealizedState) Snapshot() RealizedSnapshot {
	return RealizedSnapshot{
		Cap:               fpmath.ToCents(r.Cap),
		Profit:            fpmath.ToCents(r.Profit),
		Loss:              fpmath.ToCents(r.Loss),
		ValueCreated:      fpmath.ToCents(r.ValueCreated),
		ValueDestroyed:    fpmath.ToCents(r.ValueDestroyed),
		AdjValueCreated:   fpmath.ToCents(r.AdjValueCreated),
		AdjValueDestroyed: fpmath.ToCents(r.AdjValueDestroyed),
		CumulativeProfit:  fpmath.ToCents(r.CumulativeProfit),
		CumulativeLoss:    fpmath.ToCents(r.CumulativeLoss),
		CapRaw:            r.Cap,
	}
}
