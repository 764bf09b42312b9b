package event

import (
	fpmath "CohortLedger/internal/math"
	"encoding/hex"
	"fmt"
	"time"
)

// Hash identifies a block.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64-character hex block hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("hash length %d, want %d", len(b), len(h))
	}
	copy(h[:], b)
	return h, nil
}

// DateClose is the daily close price attached to the last block of a day.
type DateClose struct {
	DateIndex uint32       // days since genesis
	Price     fpmath.Cents // Fixed-point: cents
}

// Block is one height of the block source: its identity, the price at that
// height and every UTXO event it produced.
type Block struct {
	Height    uint64
	Hash      Hash
	PrevHash  Hash
	Timestamp time.Time    // Block header time, NOT wall-clock
	Price     fpmath.Cents // Closing price at this height

	// Set only on the block that closes a day.
	DateClose *DateClose

	Events []UTXOEvent
}

// Validate checks the block and every event before any state is touched.
func (b *Block) Validate() error {
	if b.Hash.IsZero() {
		return fmt.Errorf("block %d: empty hash", b.Height)
	}
	if b.Height > 0 && b.PrevHash.IsZero() {
		return fmt.Errorf("block %d: empty prev hash", b.Height)
	}
	for i := range b.Events {
		if err := b.Events[i].Validate(); err != nil {
			return fmt.Errorf("block %d event %d: %w", b.Height, i, err)
		}
	}
	return nil
}
