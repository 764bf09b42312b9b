package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// SatsPerBTC is the divisor that turns a price×sats accumulator into cents.
const SatsPerBTC uint64 = 100_000_000

// Sats is an amount of satoshis.
type Sats uint64

// Cents is a fixed-point USD price or value with two decimal places.
type Cents uint64

// CheckedAdd panics on overflow.
func (s Sats) CheckedAdd(o Sats) Sats {
	sum := s + o
	if sum < s {
		panic(fmt.Sprintf("FATAL: sats overflow: %d + %d", s, o))
	}
	return sum
}

// CheckedSub panics when o > s. Callers never expect to remove more than they hold.
func (s Sats) CheckedSub(o Sats) Sats {
	if o > s {
		panic(fmt.Sprintf("FATAL: sats underflow: %d - %d", s, o))
	}
	return s - o
}

// AbsDiff returns |a - b|.
func AbsDiff(a, b Cents) Cents {
	if a >= b {
		return a - b
	}
	return b - a
}

func (c Cents) String() string {
	return fmt.Sprintf("%d.%02d", uint64(c)/100, uint64(c)%100)
}

// Phantom units for Raw. They keep price×sats and price²×sats totals from being mixed.
type (
	centsSatsUnit        struct{}
	centsSquaredSatsUnit struct{}
	satBlocksUnit        struct{}
	satDaysUnit          struct{}
)

// Raw is an undivided 256-bit accumulator tagged with its unit.
// All arithmetic is checked: overflow or underflow is a bookkeeping bug and panics.
type Raw[U any] struct {
	v uint256.Int
}

type (
	// CentsSats accumulates price×sats (invested capital, unrealized P&L, realized cap).
	CentsSats = Raw[centsSatsUnit]
	// CentsSquaredSats accumulates price²×sats (investor cap).
	CentsSquaredSats = Raw[centsSquaredSatsUnit]
	// SatBlocks accumulates sats×blocks of age.
	SatBlocks = Raw[satBlocksUnit]
	// SatDays accumulates sats×days of age.
	SatDays = Raw[satDaysUnit]
)

// MulCentsSats returns price×sats. 64×64 bits never overflows the accumulator.
func MulCentsSats(price Cents, sats Sats) CentsSats {
	var r CentsSats
	r.v.Mul(uint256.NewInt(uint64(price)), uint256.NewInt(uint64(sats)))
	return r
}

// MulCentsSquaredSats returns price²×sats.
func MulCentsSquaredSats(price Cents, sats Sats) CentsSquaredSats {
	var r CentsSquaredSats
	p := uint256.NewInt(uint64(price))
	r.v.Mul(p, p)
	r.v.Mul(&r.v, uint256.NewInt(uint64(sats)))
	return r
}

func MulSatBlocks(sats Sats, blocks uint64) SatBlocks {
	var r SatBlocks
	r.v.Mul(uint256.NewInt(uint64(sats)), uint256.NewInt(blocks))
	return r
}

func MulSatDays(sats Sats, days uint64) SatDays {
	var r SatDays
	r.v.Mul(uint256.NewInt(uint64(sats)), uint256.NewInt(days))
	return r
}

// Add returns r + o.
func (r Raw[U]) Add(o Raw[U]) Raw[U] {
	var out Raw[U]
	if _, overflow := out.v.AddOverflow(&r.v, &o.v); overflow {
		panic(fmt.Sprintf("FATAL: raw accumulator overflow: %s + %s", r.v.Dec(), o.v.Dec()))
	}
	return out
}

// Sub returns r - o.
func (r Raw[U]) Sub(o Raw[U]) Raw[U] {
	var out Raw[U]
	if _, underflow := out.v.SubOverflow(&r.v, &o.v); underflow {
		panic(fmt.Sprintf("FATAL: raw accumulator underflow: %s - %s", r.v.Dec(), o.v.Dec()))
	}
	return out
}

func (r Raw[U]) IsZero() bool {
	return r.v.IsZero()
}

func (r Raw[U]) Cmp(o Raw[U]) int {
	return r.v.Cmp(&o.v)
}

func (r Raw[U]) Eq(o Raw[U]) bool {
	return r.v.Eq(&o.v)
}

// String returns the decimal representation.
func (r Raw[U]) String() string {
	return r.v.Dec()
}

// Bytes32 returns the big-endian encoding used in state digests.
func (r Raw[U]) Bytes32() [32]byte {
	return r.v.Bytes32()
}

func (r Raw[U]) MarshalText() ([]byte, error) {
	return []byte(r.v.Dec()), nil
}

func (r *Raw[U]) UnmarshalText(text []byte) error {
	if err := r.v.SetFromDecimal(string(text)); err != nil {
		return fmt.Errorf("parse raw accumulator %q: %w", text, err)
	}
	return nil
}

// ParseCentsSats parses a decimal string such as a NUMERIC column.
func ParseCentsSats(s string) (CentsSats, error) {
	var r CentsSats
	err := r.UnmarshalText([]byte(s))
	return r, err
}

func (r Raw[U]) quo(divisor uint64) uint64 {
	var q uint256.Int
	q.Div(&r.v, uint256.NewInt(divisor))
	if !q.IsUint64() {
		panic(fmt.Sprintf("FATAL: display value out of range: %s / %d", r.v.Dec(), divisor))
	}
	return q.Uint64()
}

// ToCents converts a price×sats accumulator to a display value in cents.
// This is the only place where raw totals are divided; it truncates toward zero.
func ToCents(r CentsSats) Cents {
	return Cents(r.quo(SatsPerBTC))
}

// ToCoinDays converts sat-days to whole coin-days.
func ToCoinDays(r SatDays) uint64 {
	return r.quo(SatsPerBTC)
}

// ToCoinBlocks converts sat-blocks to whole coin-blocks.
func ToCoinBlocks(r SatBlocks) uint64 {
	return r.quo(SatsPerBTC)
}
