package state

import (
	fpmath "CohortLedger/internal/math"
)

// PricedSupply is the only way to mutate a cohort's price distribution. It owns
// the distribution together with its unrealized cache so that every change to
// one is mirrored in the other, and every out-of-band change drops the cache.
//
// Ordering is fixed: the distribution is updated first, then the cache.
type PricedSupply struct {
	realized RealizedState
	dist     *PriceDistribution
	cache    *CachedUnrealizedState
}

func NewPricedSupply() *PricedSupply {
	return &PricedSupply{dist: NewPriceDistribution()}
}

func (p *PricedSupply) add(price fpmath.Cents, sats fpmath.Sats) {
	p.dist.Increment(price, sats)
	if p.cache != nil {
		p.cache.OnReceive(price, sats)
	}
}

func (p *PricedSupply) remove(price fpmath.Cents, sats fpmath.Sats) {
	p.dist.Decrement(price, sats)
	if p.cache != nil {
		p.cache.OnSend(price, sats)
	}
}

func (p *PricedSupply) increment(price fpmath.Cents, sats fpmath.Sats) {
	p.add(price, sats)
	p.realized.increment(price, sats)
}

func (p *PricedSupply) decrement(price fpmath.Cents, sats fpmath.Sats) {
	p.remove(price, sats)
	p.realized.decrement(price, sats)
}

func (p *PricedSupply) receive(price fpmath.Cents, sats fpmath.Sats) {
	p.add(price, sats)
	p.realized.receive(price, sats)
}

func (p *PricedSupply) send(sats fpmath.Sats, currentPrice, prevPrice fpmath.Cents, olderThanHour bool) {
	p.remove(prevPrice, sats)
	p.realized.send(sats, currentPrice, prevPrice, olderThanHour)
}

// UnrealizedAt evaluates through the cache, creating it on first use.
func (p *PricedSupply) UnrealizedAt(price fpmath.Cents) UnrealizedState {
	if p.cache == nil {
		p.cache = ComputeFresh(price, p.dist)
	}
	return p.cache.GetAtPrice(price, p.dist)
}

// UnrealizedStandalone evaluates without touching the cache.
func (p *PricedSupply) UnrealizedStandalone(price fpmath.Cents) UnrealizedState {
	return ComputeFullStandalone(price, p.dist)
}

// LastCrossed returns the number of buckets walked by the last cached evaluation.
func (p *PricedSupply) LastCrossed() int {
	if p.cache == nil {
		return 0
	}
	return p.cache.Crossed()
}

// CacheValid reports whether an incremental cache is currently held.
func (p *PricedSupply) CacheValid() bool {
	return p.cache != nil
}

// CachedRaw returns the cache accumulators, if a cache is held.
func (p *PricedSupply) CachedRaw() (UnrealizedRaw, fpmath.Cents, bool) {
	if p.cache == nil {
		return UnrealizedRaw{}, 0, false
	}
	return p.cache.Raw(), p.cache.AtPrice(), true
}

func (p *PricedSupply) Realized() RealizedState {
	return p.realized
}

func (p *PricedSupply) TotalAmount() fpmath.Sats {
	return p.dist.TotalAmount()
}

func (p *PricedSupply) BucketCount() int {
	return p.dist.Len()
}

func (p *PricedSupply) Buckets() []Bucket {
	return p.dist.Buckets()
}

func (p *PricedSupply) Percentiles() Percentiles {
	return p.dist.ComputePercentiles()
}

// PriceRange returns the lowest and highest acquisition price held.
func (p *PricedSupply) PriceRange() (low, high fpmath.Cents, ok bool) {
	first, ok := p.dist.FirstKeyValue()
	if !ok {
		return 0, 0, false
	}
	last, _ := p.dist.LastKeyValue()
	return first.Price, last.Price, true
}

// load replaces the distribution and realized state wholesale.
func (p *PricedSupply) load(buckets []Bucket, realized RealizedState) {
	p.dist.Clear()
	for _, b := range buckets {
		p.dist.Increment(b.Price, b.Amount)
	}
	p.realized = realized
	p.realized.ResetFlows()
	p.cache = nil
}

func (p *PricedSupply) reset() {
	p.dist.Clear()
	p.realized = RealizedState{}
	p.cache = nil
}

func (p *PricedSupply) invalidate() {
	p.cache = nil
}
