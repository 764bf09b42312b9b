package core

import (
	"CohortLedger/internal/event"
	"errors"
	"fmt"
)

var (
	// ErrHeightGap is returned for a block above the next expected height.
	ErrHeightGap = errors.New("block height gap")

	// ErrAlreadyProcessed is returned for a block the engine has already applied.
	ErrAlreadyProcessed = errors.New("block already processed")

	// ErrInvalidBlock wraps block or event validation failures. Nothing was mutated.
	ErrInvalidBlock = errors.New("invalid block")
)

// ReorgError reports that the block applied at Height is no longer canonical.
type ReorgError struct {
	Height uint64
	Stored event.Hash
	Got    event.Hash
}

func (e *ReorgError) Error() string {
	return fmt.Sprintf("reorg at height %d: stored %s, source %s", e.Height, e.Stored, e.Got)
}
