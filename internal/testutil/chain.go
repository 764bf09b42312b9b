package testutil

import (
	"CohortLedger/internal/event"
	fpmath "CohortLedger/internal/math"
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"
)

// SyntheticChain describes a synthetic chain. Every block creates one output;
// outputs age into the next day bracket after BlocksPerDay blocks and are
// spent after SpendAfter blocks. Heights at or above Fork derive hashes,
// prices and amounts from Variant, so two chains sharing a Fork agree below it.
type SyntheticChain struct {
	Length       uint64
	Fork         uint64
	Variant      string
	BlocksPerDay uint64
	SpendAfter   uint64
	DateEvery    uint64
}

func (s SyntheticChain) withDefaults() SyntheticChain {
	if s.BlocksPerDay == 0 {
		s.BlocksPerDay = 5
	}
	if s.SpendAfter == 0 {
		s.SpendAfter = 10
	}
	if s.DateEvery == 0 {
		s.DateEvery = 10
	}
	return s
}

func (s SyntheticChain) tag(h uint64) string {
	if h >= s.Fork {
		return s.Variant
	}
	return ""
}

func (s SyntheticChain) salt(h uint64) uint64 {
	var v uint64
	for _, c := range s.tag(h) {
		v = v*31 + uint64(c)
	}
	return v
}

// BlockHash is the hash of the block at h on this chain.
func (s SyntheticChain) BlockHash(h uint64) event.Hash {
	s = s.withDefaults()
	return sha256.Sum256(fmt.Appendf(nil, "block/%s/%d", s.tag(h), h))
}

// Price is the block price at h.
func (s SyntheticChain) Price(h uint64) fpmath.Cents {
	s = s.withDefaults()
	return fpmath.Cents(1_000_000 + (h*7919+s.salt(h)*131)%250_000)
}

func (s SyntheticChain) output(h uint64) (fpmath.Sats, event.OutputType) {
	sats := fpmath.Sats(10_000 + (h*104_729+s.salt(h)*17)%5_000_000)
	return sats, event.OutputType(1 + (h+s.salt(h))%uint64(event.OutputTypeCount))
}

// Blocks builds heights [0, Length).
func (s SyntheticChain) Blocks() []*event.Block {
	s = s.withDefaults()
	blocks := make([]*event.Block, 0, s.Length)
	for h := uint64(0); h < s.Length; h++ {
		b := &event.Block{
			Height:    h,
			Hash:      s.BlockHash(h),
			Timestamp: time.Unix(1_231_006_505+int64(h)*600, 0).UTC(),
			Price:     s.Price(h),
		}
		if h > 0 {
			b.PrevHash = s.BlockHash(h - 1)
		}
		if h%s.DateEvery == 0 {
			b.DateClose = &event.DateClose{DateIndex: uint32(h / s.DateEvery), Price: s.Price(h)}
		}

		sats, typ := s.output(h)
		b.Events = append(b.Events, event.UTXOEvent{
			Type:             event.UTXOEventCreated,
			OutputType:       typ,
			Sats:             sats,
			AcquisitionPrice: s.Price(h),
		})

		if h >= s.BlocksPerDay && s.BlocksPerDay < s.SpendAfter {
			born := h - s.BlocksPerDay
			sats, typ := s.output(born)
			b.Events = append(b.Events, event.UTXOEvent{
				Type:             event.UTXOEventAged,
				OutputType:       typ,
				Sats:             sats,
				AcquisitionPrice: s.Price(born),
				BlocksOld:        s.BlocksPerDay,
				DaysOld:          1,
				PrevDaysOld:      0,
			})
		}

		if h >= s.SpendAfter {
			born := h - s.SpendAfter
			sats, typ := s.output(born)
			b.Events = append(b.Events, event.UTXOEvent{
				Type:             event.UTXOEventSpent,
				OutputType:       typ,
				Sats:             sats,
				AcquisitionPrice: s.Price(born),
				CurrentPrice:     s.Price(h),
				BlocksOld:        s.SpendAfter,
				DaysOld:          s.SpendAfter / s.BlocksPerDay,
				OlderThanHour:    s.SpendAfter*10 >= 60,
			})
		}
		blocks = append(blocks, b)
	}
	return blocks
}

// MemSource is an in-memory block source whose chain can be swapped to
// simulate reorgs.
type MemSource struct {
	mu     sync.Mutex
	blocks []*event.Block
}

func NewMemSource(blocks []*event.Block) *MemSource {
	return &MemSource{blocks: blocks}
}

// Set replaces the canonical chain.
func (s *MemSource) Set(blocks []*event.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = blocks
}

func (s *MemSource) Block(ctx context.Context, height uint64) (*event.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if height >= uint64(len(s.blocks)) {
		return nil, fmt.Errorf("block %d not available", height)
	}
	return s.blocks[height], nil
}

func (s *MemSource) Tip(ctx context.Context) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.blocks) == 0 {
		return 0, false, nil
	}
	return uint64(len(s.blocks) - 1), true, nil
}
