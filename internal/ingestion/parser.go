package ingestion

import (
	"CohortLedger/internal/event"
	fpmath "CohortLedger/internal/math"
	"encoding/json"
	"fmt"
	"time"
)

// --- JSON wire formats ---
// These structs represent the JSON payloads published by the block producer.
// Field names use snake_case to match upstream producers.

type blockJSON struct {
	Height      uint64         `json:"height"`
	Hash        string         `json:"hash"`
	PrevHash    string         `json:"prev_hash,omitempty"`
	TimestampUs int64          `json:"timestamp_us"`
	Price       uint64         `json:"price"` // cents
	DateClose   *dateCloseJSON `json:"date_close,omitempty"`
	Events      []utxoJSON     `json:"events"`
}

type dateCloseJSON struct {
	DateIndex uint32 `json:"date_index"`
	Price     uint64 `json:"price"`
}

type utxoJSON struct {
	Type             string `json:"type"`        // created | spent | aged
	OutputType       string `json:"output_type"` // p2pkh, p2wpkh, ...
	Sats             uint64 `json:"sats"`
	AcquisitionPrice uint64 `json:"acquisition_price"`
	CurrentPrice     uint64 `json:"current_price,omitempty"`
	BlocksOld        uint64 `json:"blocks_old,omitempty"`
	DaysOld          uint64 `json:"days_old,omitempty"`
	PrevDaysOld      uint64 `json:"prev_days_old,omitempty"`
	OlderThanHour    bool   `json:"older_than_hour,omitempty"`
}

// ParseBlock converts a JSON block payload into a typed event.Block.
// Field-level validation is left to event.Block.Validate.
func ParseBlock(data []byte) (*event.Block, error) {
	var j blockJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse block: %w", err)
	}

	hash, err := event.ParseHash(j.Hash)
	if err != nil {
		return nil, fmt.Errorf("parse hash: %w", err)
	}
	var prev event.Hash
	if j.PrevHash != "" {
		if prev, err = event.ParseHash(j.PrevHash); err != nil {
			return nil, fmt.Errorf("parse prev_hash: %w", err)
		}
	}

	block := &event.Block{
		Height:    j.Height,
		Hash:      hash,
		PrevHash:  prev,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
		Price:     fpmath.Cents(j.Price),
		Events:    make([]event.UTXOEvent, 0, len(j.Events)),
	}
	if j.DateClose != nil {
		block.DateClose = &event.DateClose{
			DateIndex: j.DateClose.DateIndex,
			Price:     fpmath.Cents(j.DateClose.Price),
		}
	}

	for i, u := range j.Events {
		typ, err := event.ParseUTXOEventType(u.Type)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		out, err := event.ParseOutputType(u.OutputType)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		block.Events = append(block.Events, event.UTXOEvent{
			Type:             typ,
			OutputType:       out,
			Sats:             fpmath.Sats(u.Sats),
			AcquisitionPrice: fpmath.Cents(u.AcquisitionPrice),
			CurrentPrice:     fpmath.Cents(u.CurrentPrice),
			BlocksOld:        u.BlocksOld,
			DaysOld:          u.DaysOld,
			PrevDaysOld:      u.PrevDaysOld,
			OlderThanHour:    u.OlderThanHour,
		})
	}
	return block, nil
}

// EncodeBlock is the inverse of ParseBlock, used by producers and replay tools.
func EncodeBlock(b *event.Block) ([]byte, error) {
	j := blockJSON{
		Height:      b.Height,
		Hash:        b.Hash.String(),
		TimestampUs: b.Timestamp.UnixMicro(),
		Price:       uint64(b.Price),
		Events:      make([]utxoJSON, 0, len(b.Events)),
	}
	if !b.PrevHash.IsZero() {
		j.PrevHash = b.PrevHash.String()
	}
	if b.DateClose != nil {
		j.DateClose = &dateCloseJSON{DateIndex: b.DateClose.DateIndex, Price: uint64(b.DateClose.Price)}
	}
	for _, e := range b.Events {
		j.Events = append(j.Events, utxoJSON{
			Type:             e.Type.String(),
			OutputType:       e.OutputType.String(),
			Sats:             uint64(e.Sats),
			AcquisitionPrice: uint64(e.AcquisitionPrice),
			CurrentPrice:     uint64(e.CurrentPrice),
			BlocksOld:        e.BlocksOld,
			DaysOld:          e.DaysOld,
			PrevDaysOld:      e.PrevDaysOld,
			OlderThanHour:    e.OlderThanHour,
		})
	}
	return json.Marshal(j)
}
