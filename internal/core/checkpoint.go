package core

import (
	"CohortLedger/internal/state"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CheckpointData is a consistent export of every cohort at one height.
type CheckpointData struct {
	ID      uuid.UUID              `json:"id"`
	Height  uint64                 `json:"height"`
	Chain   ChainState             `json:"chain"`
	Cohorts []state.CohortSnapshot `json:"cohorts"`
}

// Checkpoint exports every cohort at the last applied height and passes the
// export to persist while still holding the flush barrier, so no block can be
// applied until persist returns.
func (e *Engine) Checkpoint(persist func(*CheckpointData) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lastChain == nil {
		return errors.New("checkpoint: no block applied")
	}
	data := &CheckpointData{
		ID:      uuid.New(),
		Height:  e.lastChain.Height,
		Chain:   *e.lastChain,
		Cohorts: make([]state.CohortSnapshot, 0, len(e.cohorts)),
	}
	for _, c := range e.cohorts {
		data.Cohorts = append(data.Cohorts, c.Snapshot(data.Height))
	}
	return persist(data)
}

// Restore rebuilds every cohort from the checkpoint at the last height of tail
// and verifies the result against the recorded state hash. tail holds chain
// states ordered by height and must include the previous height when resuming
// above 0. Every cohort's unrealized cache is dropped.
//
// On error the engine is left partially imported and must be Reset.
func (e *Engine) Restore(loader state.SnapshotLoader, tail []ChainState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(tail) == 0 {
		return errors.New("restore: empty chain tail")
	}
	at := tail[len(tail)-1]
	prev := GenesisHash()
	if at.Height > 0 {
		if len(tail) < 2 || tail[len(tail)-2].Height != at.Height-1 {
			return fmt.Errorf("restore: chain state for height %d missing", at.Height-1)
		}
		prev = tail[len(tail)-2].StateHash
	}

	for _, c := range e.cohorts {
		h, err := c.ImportAtOrBefore(loader, at.Height)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		if h != at.Height {
			return fmt.Errorf("restore: cohort %s checkpoint at %d, want %d", c.ID(), h, at.Height)
		}
		c.ResetPriceToAmountIfNeeded()
	}

	if all := e.cohorts[e.allIndex()].Supply(); all != at.Supply {
		return fmt.Errorf("restore: supply %+v does not match chain state %+v", all, at.Supply)
	}
	got := ChainHash(prev, at.Height, e.digest(at.BlockHash))
	if got != at.StateHash {
		return fmt.Errorf("restore: state hash mismatch at %d", at.Height)
	}

	e.hasher.Reset(got)
	e.validator.Reset(tail)
	e.lastChain = &at
	e.latest.Clear()

	e.logger.Info().
		Uint64("height", at.Height).
		Str("state_hash", at.StateHash.String()).
		Msg("engine restored from checkpoint")
	return nil
}
