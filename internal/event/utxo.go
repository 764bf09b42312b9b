package event

import (
	fpmath "CohortLedger/internal/math"
	"errors"
	"fmt"
)

// UTXOEventType discriminator for UTXO events
type UTXOEventType int32

const (
	UTXOEventUnknown UTXOEventType = iota
	UTXOEventCreated
	UTXOEventSpent
	UTXOEventAged
)

func (t UTXOEventType) String() string {
	switch t {
	case UTXOEventCreated:
		return "created"
	case UTXOEventSpent:
		return "spent"
	case UTXOEventAged:
		return "aged"
	default:
		return "unknown"
	}
}

// ParseUTXOEventType maps a wire name to its discriminator.
func ParseUTXOEventType(s string) (UTXOEventType, error) {
	switch s {
	case "created":
		return UTXOEventCreated, nil
	case "spent":
		return UTXOEventSpent, nil
	case "aged":
		return UTXOEventAged, nil
	default:
		return UTXOEventUnknown, fmt.Errorf("unknown utxo event type: %q", s)
	}
}

// OutputType is the script type of an output.
type OutputType int32

const (
	OutputTypeUnknown OutputType = iota
	OutputTypeP2PK
	OutputTypeP2PKH
	OutputTypeP2SH
	OutputTypeP2WPKH
	OutputTypeP2WSH
	OutputTypeP2TR
	OutputTypeOther
)

// OutputTypeCount is the number of known output types.
const OutputTypeCount = int(OutputTypeOther)

var outputTypeNames = map[OutputType]string{
	OutputTypeP2PK:   "p2pk",
	OutputTypeP2PKH:  "p2pkh",
	OutputTypeP2SH:   "p2sh",
	OutputTypeP2WPKH: "p2wpkh",
	OutputTypeP2WSH:  "p2wsh",
	OutputTypeP2TR:   "p2tr",
	OutputTypeOther:  "other",
}

func (o OutputType) String() string {
	if name, ok := outputTypeNames[o]; ok {
		return name
	}
	return "unknown"
}

// ParseOutputType maps a wire name to an OutputType.
func ParseOutputType(s string) (OutputType, error) {
	for t, name := range outputTypeNames {
		if name == s {
			return t, nil
		}
	}
	return OutputTypeUnknown, fmt.Errorf("unknown output type: %q", s)
}

// UTXOEvent is one change to the UTXO set within a block.
//
//   - Created: a new output acquired at AcquisitionPrice.
//   - Spent: an output acquired at AcquisitionPrice is spent at CurrentPrice
//     after BlocksOld blocks / DaysOld days.
//   - Aged: an unspent output's age moved from PrevDaysOld to DaysOld.
type UTXOEvent struct {
	Type             UTXOEventType
	OutputType       OutputType
	Sats             fpmath.Sats
	AcquisitionPrice fpmath.Cents
	CurrentPrice     fpmath.Cents // Spent only
	BlocksOld        uint64
	DaysOld          uint64
	PrevDaysOld      uint64 // Aged only
	OlderThanHour    bool   // Spent only
}

var (
	ErrZeroSats          = errors.New("zero sats")
	ErrUnknownOutputType = errors.New("unknown output type")
)

// Validate checks the fields the event type requires.
func (e *UTXOEvent) Validate() error {
	if e.Sats == 0 {
		return ErrZeroSats
	}
	if _, ok := outputTypeNames[e.OutputType]; !ok {
		return ErrUnknownOutputType
	}
	switch e.Type {
	case UTXOEventCreated:
		if e.BlocksOld != 0 || e.DaysOld != 0 {
			return fmt.Errorf("created output with age %d blocks / %d days", e.BlocksOld, e.DaysOld)
		}
	case UTXOEventSpent:
	case UTXOEventAged:
		if e.PrevDaysOld >= e.DaysOld {
			return fmt.Errorf("aged output moved from %d to %d days", e.PrevDaysOld, e.DaysOld)
		}
	default:
		return fmt.Errorf("unknown utxo event type %d", e.Type)
	}
	return nil
}
