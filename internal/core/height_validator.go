package core

import (
	"CohortLedger/internal/event"
	"fmt"
)

// HeightValidator enforces contiguous heights and parent-hash linkage, and
// remembers recent block hashes to classify redelivered blocks.
// Not thread-safe: only accessed under the engine lock.
type HeightValidator struct {
	next   uint64
	tip    event.Hash
	window uint64
	recent map[uint64]event.Hash
}

func NewHeightValidator(window uint64) *HeightValidator {
	if window == 0 {
		window = 1
	}
	return &HeightValidator{
		window: window,
		recent: make(map[uint64]event.Hash),
	}
}

// Validate checks block against the expected next height and current tip.
func (v *HeightValidator) Validate(block *event.Block) error {
	switch {
	case block.Height < v.next:
		stored, ok := v.recent[block.Height]
		if !ok {
			return fmt.Errorf("%w: height %d is below the reorg window", ErrAlreadyProcessed, block.Height)
		}
		if stored == block.Hash {
			return fmt.Errorf("%w: height %d", ErrAlreadyProcessed, block.Height)
		}
		return &ReorgError{Height: block.Height, Stored: stored, Got: block.Hash}

	case block.Height > v.next:
		return fmt.Errorf("%w: expected %d, got %d", ErrHeightGap, v.next, block.Height)
	}

	if v.next > 0 && block.PrevHash != v.tip {
		return &ReorgError{Height: v.next - 1, Stored: v.tip, Got: block.PrevHash}
	}
	return nil
}

// Accept records block as applied.
func (v *HeightValidator) Accept(block *event.Block) {
	v.recent[block.Height] = block.Hash
	if block.Height >= v.window {
		delete(v.recent, block.Height-v.window)
	}
	v.tip = block.Hash
	v.next = block.Height + 1
}

// NextHeight returns the next expected height.
func (v *HeightValidator) NextHeight() uint64 {
	return v.next
}

// Reset positions the validator after the given chain tail (ordered by height).
// An empty tail resets to genesis.
func (v *HeightValidator) Reset(tail []ChainState) {
	v.recent = make(map[uint64]event.Hash)
	v.next = 0
	v.tip = event.Hash{}
	for _, cs := range tail {
		v.recent[cs.Height] = cs.BlockHash
		v.tip = cs.BlockHash
		v.next = cs.Height + 1
	}
	for h := range v.recent {
		if h+v.window < v.next {
			delete(v.recent, h)
		}
	}
}
