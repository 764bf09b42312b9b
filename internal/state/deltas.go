package state

import (
	fpmath "CohortLedger/internal/math"
)

// BlockDeltas is one cohort's scratch for the block being applied.
// Cleared by CohortState.BeginBlock.
type BlockDeltas struct {
	Received           fpmath.Sats      `json:"received"`
	Sent               fpmath.Sats      `json:"sent"`
	SpentUTXOs         uint64           `json:"spent_utxos"`
	SatBlocksDestroyed fpmath.SatBlocks `json:"sat_blocks_destroyed"`
	SatDaysDestroyed   fpmath.SatDays   `json:"sat_days_destroyed"`
}

func (d *BlockDeltas) recordSend(sats fpmath.Sats, blocksOld, daysOld uint64) {
	d.Sent = d.Sent.CheckedAdd(sats)
	d.SpentUTXOs++
	d.SatBlocksDestroyed = d.SatBlocksDestroyed.Add(fpmath.MulSatBlocks(sats, blocksOld))
	d.SatDaysDestroyed = d.SatDaysDestroyed.Add(fpmath.MulSatDays(sats, daysOld))
}
