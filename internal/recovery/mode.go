package recovery

import (
	"fmt"
	"sort"
)

// StartKind says whether the driver resumes from a checkpoint or rebuilds.
type StartKind int

const (
	Fresh StartKind = iota
	Resume
)

// StartMode is the outcome of DetermineStartMode. Height is the checkpoint
// height for Resume and 0 for Fresh.
type StartMode struct {
	Kind   StartKind
	Height uint64
}

func (m StartMode) String() string {
	if m.Kind == Resume {
		return fmt.Sprintf("resume(%d)", m.Height)
	}
	return "fresh"
}

// NextHeight is the first height to process after starting in this mode.
func (m StartMode) NextHeight() uint64 {
	if m.Kind == Resume {
		return m.Height + 1
	}
	return 0
}

// DetermineStartMode picks the newest checkpoint c that every tracked series
// covers and that does not reach past target: c < minConsistent and
// c+1 <= target. minConsistent is the shortest series length, target is the
// next height the caller wants to process. checkpoints need not be sorted.
func DetermineStartMode(minConsistent, target uint64, checkpoints []uint64) StartMode {
	limit := min(minConsistent, target)
	if limit == 0 {
		return StartMode{Kind: Fresh}
	}

	hs := append([]uint64(nil), checkpoints...)
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })

	// first checkpoint >= limit
	i := sort.Search(len(hs), func(i int) bool { return hs[i] >= limit })
	for i > 0 {
		i--
		if hs[i] > 0 {
			return StartMode{Kind: Resume, Height: hs[i]}
		}
	}
	return StartMode{Kind: Fresh}
}
