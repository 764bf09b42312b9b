package state

import (
	fpmath "CohortLedger/internal/math"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"iter"

	"github.com/google/btree"
	"github.com/holiman/uint256"
)

// Bucket is the total amount a cohort acquired at one price.
type Bucket struct {
	Price  fpmath.Cents `json:"price"`
	Amount fpmath.Sats  `json:"amount"`
}

func bucketLess(a, b Bucket) bool {
	return a.Price < b.Price
}

// term is the bucket's contribution to the distribution fingerprint.
func (b Bucket) term() *uint256.Int {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(b.Price))
	binary.LittleEndian.PutUint64(buf[8:], uint64(b.Amount))
	sum := sha256.Sum256(buf[:])
	return new(uint256.Int).SetBytes32(sum[:])
}

// PercentileLevels are the cumulative-supply levels reported by ComputePercentiles.
var PercentileLevels = [...]uint64{5, 10, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 65, 70, 75, 80, 85, 90, 95}

// Percentiles holds one price per entry of PercentileLevels.
type Percentiles [len(PercentileLevels)]fpmath.Cents

// PriceDistribution maps acquisition price to the amount held at that price.
// Zero-amount buckets are never stored.
// Not thread-safe: owned by a single cohort.
type PriceDistribution struct {
	tree  *btree.BTreeG[Bucket]
	total fpmath.Sats

	// Sum mod 2^256 of every bucket's term, kept in step with the tree.
	fingerprint uint256.Int
}

func NewPriceDistribution() *PriceDistribution {
	return &PriceDistribution{
		tree: btree.NewG[Bucket](32, bucketLess),
	}
}

// Increment adds amount to the bucket at price, creating it if absent.
func (d *PriceDistribution) Increment(price fpmath.Cents, amount fpmath.Sats) {
	if amount == 0 {
		return
	}
	existing, ok := d.tree.Get(Bucket{Price: price})
	if ok {
		d.fingerprint.Sub(&d.fingerprint, existing.term())
	}
	updated := Bucket{Price: price, Amount: existing.Amount.CheckedAdd(amount)}
	d.tree.ReplaceOrInsert(updated)
	d.fingerprint.Add(&d.fingerprint, updated.term())
	d.total = d.total.CheckedAdd(amount)
}

// Decrement removes amount from the bucket at price and drops the bucket when it
// reaches zero. Removing more than the bucket holds is a bookkeeping bug upstream
// and panics.
func (d *PriceDistribution) Decrement(price fpmath.Cents, amount fpmath.Sats) {
	if amount == 0 {
		return
	}
	existing, ok := d.tree.Get(Bucket{Price: price})
	if !ok {
		panic(fmt.Sprintf("FATAL: decrement of missing bucket at price %s (amount %d)", price, amount))
	}
	if amount > existing.Amount {
		panic(fmt.Sprintf("FATAL: decrement of %d exceeds bucket at price %s holding %d",
			amount, price, existing.Amount))
	}

	d.fingerprint.Sub(&d.fingerprint, existing.term())
	remaining := existing.Amount - amount
	if remaining == 0 {
		d.tree.Delete(existing)
	} else {
		updated := Bucket{Price: price, Amount: remaining}
		d.tree.ReplaceOrInsert(updated)
		d.fingerprint.Add(&d.fingerprint, updated.term())
	}
	d.total -= amount
}

// FirstKeyValue returns the lowest-priced bucket.
func (d *PriceDistribution) FirstKeyValue() (Bucket, bool) {
	return d.tree.Min()
}

// LastKeyValue returns the highest-priced bucket.
func (d *PriceDistribution) LastKeyValue() (Bucket, bool) {
	return d.tree.Max()
}

// Range yields buckets with low < price <= high in ascending price order.
func (d *PriceDistribution) Range(low, high fpmath.Cents) iter.Seq[Bucket] {
	return func(yield func(Bucket) bool) {
		if low >= high {
			return
		}
		d.tree.AscendGreaterOrEqual(Bucket{Price: low + 1}, func(b Bucket) bool {
			if b.Price > high {
				return false
			}
			return yield(b)
		})
	}
}

// All yields every bucket in ascending price order.
func (d *PriceDistribution) All() iter.Seq[Bucket] {
	return func(yield func(Bucket) bool) {
		d.tree.Ascend(func(b Bucket) bool {
			return yield(b)
		})
	}
}

// Buckets returns an ordered copy of the distribution.
func (d *PriceDistribution) Buckets() []Bucket {
	out := make([]Bucket, 0, d.tree.Len())
	for b := range d.All() {
		out = append(out, b)
	}
	return out
}

// TotalAmount returns the sum of all buckets.
func (d *PriceDistribution) TotalAmount() fpmath.Sats {
	return d.total
}

// Len returns the number of distinct prices held.
func (d *PriceDistribution) Len() int {
	return d.tree.Len()
}

// Clear removes every bucket.
func (d *PriceDistribution) Clear() {
	d.tree.Clear(false)
	d.total = 0
	d.fingerprint.Clear()
}

// Fingerprint identifies the exact set of buckets independent of the order
// they were built in. Maintained incrementally, so reading it is O(1).
func (d *PriceDistribution) Fingerprint() [32]byte {
	return d.fingerprint.Bytes32()
}

// ComputePercentiles walks buckets in ascending price and returns, for each level q,
// the first price at which the cumulative amount reaches ceil(total*q/100).
func (d *PriceDistribution) ComputePercentiles() Percentiles {
	var out Percentiles
	total := uint64(d.total)
	if total == 0 {
		return out
	}

	var targets [len(PercentileLevels)]uint64
	for i, q := range PercentileLevels {
		targets[i] = (total*q + 99) / 100
	}

	next := 0
	var cumulative uint64
	for b := range d.All() {
		cumulative += uint64(b.Amount)
		for next < len(targets) && cumulative >= targets[next] {
			out[next] = b.Price
			next++
		}
		if next == len(targets) {
			break
		}
	}
	return out
}
