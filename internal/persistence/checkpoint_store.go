package persistence

import (
	"CohortLedger/internal/core"
	"CohortLedger/internal/state"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble/v2"
	"github.com/google/uuid"
)

// CheckpointHeader is the per-checkpoint index record.
type CheckpointHeader struct {
	ID      uuid.UUID       `json:"id"`
	Height  uint64          `json:"height"`
	Chain   core.ChainState `json:"chain"`
	Cohorts []string        `json:"cohorts"`
}

// CheckpointStore persists cohort snapshots at checkpoint heights.
// It shares the pebble database with VecStore so that RollbackBefore removes
// series and checkpoints in one batch.
type CheckpointStore struct {
	db *pebble.DB
}

func NewCheckpointStore(db *pebble.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Save writes every cohort snapshot and the header in one synced batch and
// returns the encoded size.
func (s *CheckpointStore) Save(data *core.CheckpointData) (int, error) {
	b := s.db.NewBatch()
	defer b.Close()

	header := CheckpointHeader{
		ID:     data.ID,
		Height: data.Height,
		Chain:  data.Chain,
	}
	size := 0
	for i := range data.Cohorts {
		snap := &data.Cohorts[i]
		if snap.Height != data.Height {
			return 0, fmt.Errorf("cohort %s snapshot at %d in checkpoint %d", snap.CohortID, snap.Height, data.Height)
		}
		enc, err := json.Marshal(snap)
		if err != nil {
			return 0, fmt.Errorf("encode cohort %s: %w", snap.CohortID, err)
		}
		if err := b.Set(cohortSnapKey(data.Height, snap.CohortID), enc, nil); err != nil {
			return 0, err
		}
		header.Cohorts = append(header.Cohorts, snap.CohortID)
		size += len(enc)
	}

	enc, err := json.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("encode checkpoint header: %w", err)
	}
	if err := b.Set(checkpointKey(data.Height), enc, nil); err != nil {
		return 0, err
	}
	size += len(enc)

	if err := b.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("commit checkpoint %d: %w", data.Height, err)
	}
	return size, nil
}

// Heights lists checkpoint heights in ascending order.
func (s *CheckpointStore) Heights() ([]uint64, error) {
	return checkpointHeights(s.db)
}

// Header loads the checkpoint header at height.
func (s *CheckpointStore) Header(height uint64) (*CheckpointHeader, error) {
	data, err := getCopy(s.db, checkpointKey(height))
	if err != nil {
		return nil, fmt.Errorf("checkpoint %d: %w", height, err)
	}
	var h CheckpointHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode checkpoint %d: %w", height, err)
	}
	return &h, nil
}

// LoadAtOrBefore returns the cohort's snapshot from the latest checkpoint at or
// below height.
func (s *CheckpointStore) LoadAtOrBefore(cohortID string, height uint64) (*state.CohortSnapshot, error) {
	heights, err := s.Heights()
	if err != nil {
		return nil, err
	}
	i := sort.Search(len(heights), func(i int) bool { return heights[i] > height })
	if i == 0 {
		return nil, fmt.Errorf("checkpoint at or before %d: %w", height, ErrNotFound)
	}
	at := heights[i-1]

	data, err := getCopy(s.db, cohortSnapKey(at, cohortID))
	if err != nil {
		return nil, fmt.Errorf("cohort %s at checkpoint %d: %w", cohortID, at, err)
	}
	var snap state.CohortSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode cohort %s at %d: %w", cohortID, at, err)
	}
	return &snap, nil
}

// Prune removes all but the newest keep checkpoints.
func (s *CheckpointStore) Prune(keep int) (int, error) {
	keep = max(keep, 1)
	heights, err := s.Heights()
	if err != nil {
		return 0, err
	}
	if len(heights) <= keep {
		return 0, nil
	}
	cut := heights[len(heights)-keep]

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange([]byte(prefixCheckpoint), checkpointKey(cut), nil); err != nil {
		return 0, err
	}
	if err := b.DeleteRange([]byte(prefixCohortSnap), appendHeight([]byte(prefixCohortSnap), cut), nil); err != nil {
		return 0, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return len(heights) - keep, nil
}

func checkpointHeights(db pebble.Reader) ([]uint64, error) {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixCheckpoint),
		UpperBound: prefixEnd([]byte(prefixCheckpoint)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []uint64
	for iter.First(); iter.Valid(); iter.Next() {
		out = append(out, decodeHeight(iter.Key()[len(prefixCheckpoint):]))
	}
	return out, iter.Error()
}

func decodeHeight(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
