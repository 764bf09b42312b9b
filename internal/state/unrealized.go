package state

import (
	fpmath "CohortLedger/internal/math"
)

// UnrealizedState is how much of a cohort sits in profit or loss at one price.
// Produced on demand and never mutated afterwards.
//
// The raw investor cap (Σ price²×sats) and invested capital (Σ price×sats) are
// kept undivided so cohorts can be summed without compounding rounding error.
type UnrealizedState struct {
	SupplyInProfit          fpmath.Sats  `json:"supply_in_profit"`
	SupplyInLoss            fpmath.Sats  `json:"supply_in_loss"`
	UnrealizedProfit        fpmath.Cents `json:"unrealized_profit"`
	UnrealizedLoss          fpmath.Cents `json:"unrealized_loss"`
	InvestedCapitalInProfit fpmath.Cents `json:"invested_capital_in_profit"`
	InvestedCapitalInLoss   fpmath.Cents `json:"invested_capital_in_loss"`

	InvestorCapInProfitRaw     fpmath.CentsSquaredSats `json:"investor_cap_in_profit_raw"`
	InvestorCapInLossRaw       fpmath.CentsSquaredSats `json:"investor_cap_in_loss_raw"`
	InvestedCapitalInProfitRaw fpmath.CentsSats        `json:"invested_capital_in_profit_raw"`
	InvestedCapitalInLossRaw   fpmath.CentsSats        `json:"invested_capital_in_loss_raw"`
}

// UnrealizedRaw holds the undivided accumulators behind an UnrealizedState.
// A bucket at price p evaluated at price P is in profit when p <= P.
type UnrealizedRaw struct {
	SupplyInProfit          fpmath.Sats
	SupplyInLoss            fpmath.Sats
	UnrealizedProfit        fpmath.CentsSats // Σ (P - p) × sats over the profit side
	UnrealizedLoss          fpmath.CentsSats // Σ (p - P) × sats over the loss side
	InvestedCapitalInProfit fpmath.CentsSats
	InvestedCapitalInLoss   fpmath.CentsSats
	InvestorCapInProfit     fpmath.CentsSquaredSats
	InvestorCapInLoss       fpmath.CentsSquaredSats
}

// add classifies sats acquired at price against at and adds their contribution.
func (r *UnrealizedRaw) add(price, at fpmath.Cents, sats fpmath.Sats) {
	invested := fpmath.MulCentsSats(price, sats)
	investorCap := fpmath.MulCentsSquaredSats(price, sats)
	if price <= at {
		r.SupplyInProfit = r.SupplyInProfit.CheckedAdd(sats)
		r.InvestedCapitalInProfit = r.InvestedCapitalInProfit.Add(invested)
		r.InvestorCapInProfit = r.InvestorCapInProfit.Add(investorCap)
		r.UnrealizedProfit = r.UnrealizedProfit.Add(fpmath.MulCentsSats(at-price, sats))
		return
	}
	r.SupplyInLoss = r.SupplyInLoss.CheckedAdd(sats)
	r.InvestedCapitalInLoss = r.InvestedCapitalInLoss.Add(invested)
	r.InvestorCapInLoss = r.InvestorCapInLoss.Add(investorCap)
	r.UnrealizedLoss = r.UnrealizedLoss.Add(fpmath.MulCentsSats(price-at, sats))
}

// sub is the exact inverse of add.
func (r *UnrealizedRaw) sub(price, at fpmath.Cents, sats fpmath.Sats) {
	invested := fpmath.MulCentsSats(price, sats)
	investorCap := fpmath.MulCentsSquaredSats(price, sats)
	if price <= at {
		r.SupplyInProfit = r.SupplyInProfit.CheckedSub(sats)
		r.InvestedCapitalInProfit = r.InvestedCapitalInProfit.Sub(invested)
		r.InvestorCapInProfit = r.InvestorCapInProfit.Sub(investorCap)
		r.UnrealizedProfit = r.UnrealizedProfit.Sub(fpmath.MulCentsSats(at-price, sats))
		return
	}
	r.SupplyInLoss = r.SupplyInLoss.CheckedSub(sats)
	r.InvestedCapitalInLoss = r.InvestedCapitalInLoss.Sub(invested)
	r.InvestorCapInLoss = r.InvestorCapInLoss.Sub(investorCap)
	r.UnrealizedLoss = r.UnrealizedLoss.Sub(fpmath.MulCentsSats(price-at, sats))
}

// Equal reports whether every accumulator matches exactly.
func (r UnrealizedRaw) Equal(o UnrealizedRaw) bool {
	return r.SupplyInProfit == o.SupplyInProfit &&
		r.SupplyInLoss == o.SupplyInLoss &&
		r.UnrealizedProfit.Eq(o.UnrealizedProfit) &&
		r.UnrealizedLoss.Eq(o.UnrealizedLoss) &&
		r.InvestedCapitalInProfit.Eq(o.InvestedCapitalInProfit) &&
		r.InvestedCapitalInLoss.Eq(o.InvestedCapitalInLoss) &&
		r.InvestorCapInProfit.Eq(o.InvestorCapInProfit) &&
		r.InvestorCapInLoss.Eq(o.InvestorCapInLoss)
}

// Display converts the accumulators to output units.
func (r UnrealizedRaw) Display() UnrealizedState {
	return UnrealizedState{
		SupplyInProfit:             r.SupplyInProfit,
		SupplyInLoss:               r.SupplyInLoss,
		UnrealizedProfit:           fpmath.ToCents(r.UnrealizedProfit),
		UnrealizedLoss:             fpmath.ToCents(r.UnrealizedLoss),
		InvestedCapitalInProfit:    fpmath.ToCents(r.InvestedCapitalInProfit),
		InvestedCapitalInLoss:      fpmath.ToCents(r.InvestedCapitalInLoss),
		InvestorCapInProfitRaw:     r.InvestorCapInProfit,
		InvestorCapInLossRaw:       r.InvestorCapInLoss,
		InvestedCapitalInProfitRaw: r.InvestedCapitalInProfit,
		InvestedCapitalInLossRaw:   r.InvestedCapitalInLoss,
	}
}

// CachedUnrealizedState keeps UnrealizedRaw evaluated at AtPrice and moves it to a
// new price by walking only the buckets that change side.
//
// The cache is only valid while every change to the companion distribution is
// mirrored through OnReceive/OnSend. Any out-of-band change (reset, import) must
// drop the cache.
type CachedUnrealizedState struct {
	raw     UnrealizedRaw
	atPrice fpmath.Cents
	crossed int
}

// ComputeFresh classifies every bucket of dist against price. O(n).
func ComputeFresh(price fpmath.Cents, dist *PriceDistribution) *CachedUnrealizedState {
	c := &CachedUnrealizedState{atPrice: price}
	for b := range dist.All() {
		c.raw.add(b.Price, price, b.Amount)
	}
	return c
}

// ComputeFullStandalone evaluates dist at price without any cache continuity.
func ComputeFullStandalone(price fpmath.Cents, dist *PriceDistribution) UnrealizedState {
	return ComputeFresh(price, dist).raw.Display()
}

// AtPrice returns the price the accumulators are evaluated at.
func (c *CachedUnrealizedState) AtPrice() fpmath.Cents {
	return c.atPrice
}

// Raw returns a copy of the accumulators.
func (c *CachedUnrealizedState) Raw() UnrealizedRaw {
	return c.raw
}

// Crossed returns how many buckets the last GetAtPrice walked.
func (c *CachedUnrealizedState) Crossed() int {
	return c.crossed
}

// OnReceive accounts for sats entering the distribution at price. O(1).
func (c *CachedUnrealizedState) OnReceive(price fpmath.Cents, sats fpmath.Sats) {
	c.raw.add(price, c.atPrice, sats)
}

// OnSend accounts for sats leaving the distribution at price. O(1).
// The sats must currently be reflected in the cache.
func (c *CachedUnrealizedState) OnSend(price fpmath.Cents, sats fpmath.Sats) {
	c.raw.sub(price, c.atPrice, sats)
}

// GetAtPrice moves the cache to newPrice and returns the display state.
//
// Only buckets in (min(old,new), max(old,new)] change side. Every other unit's
// distance to the price moves by exactly |new-old|, applied in bulk using the
// supply on each side captured before any bucket is moved.
func (c *CachedUnrealizedState) GetAtPrice(newPrice fpmath.Cents, dist *PriceDistribution) UnrealizedState {
	c.crossed = 0
	if newPrice == c.atPrice {
		return c.raw.Display()
	}

	old := c.atPrice
	profitBefore := c.raw.SupplyInProfit
	lossBefore := c.raw.SupplyInLoss

	var low, high fpmath.Cents
	if newPrice > old {
		low, high = old, newPrice
	} else {
		low, high = newPrice, old
	}

	var crossing fpmath.Sats
	for b := range dist.Range(low, high) {
		c.raw.sub(b.Price, old, b.Amount)
		c.raw.add(b.Price, newPrice, b.Amount)
		crossing = crossing.CheckedAdd(b.Amount)
		c.crossed++
	}

	delta := high - low
	if newPrice > old {
		c.raw.UnrealizedProfit = c.raw.UnrealizedProfit.Add(fpmath.MulCentsSats(delta, profitBefore))
		c.raw.UnrealizedLoss = c.raw.UnrealizedLoss.Sub(fpmath.MulCentsSats(delta, lossBefore.CheckedSub(crossing)))
	} else {
		c.raw.UnrealizedProfit = c.raw.UnrealizedProfit.Sub(fpmath.MulCentsSats(delta, profitBefore.CheckedSub(crossing)))
		c.raw.UnrealizedLoss = c.raw.UnrealizedLoss.Add(fpmath.MulCentsSats(delta, lossBefore))
	}

	c.atPrice = newPrice
	return c.raw.Display()
}
