package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/cockroachdb/pebble/v2"
	"github.com/rs/zerolog"
)

// VecStore is a set of named, height-indexed, append-only series in pebble.
// Every series is contiguous from index 0; writes past the end are rejected
// and rewrites truncate the suffix first.
type VecStore struct {
	mu     sync.Mutex
	db     *pebble.DB
	logger zerolog.Logger
}

// RollbackResult reports what RollbackBefore removed.
type RollbackResult struct {
	Stamp              uint64
	SeriesTruncated    int
	RecordsRemoved     uint64
	CheckpointsRemoved int
}

func NewVecStore(db *pebble.DB, logger zerolog.Logger) *VecStore {
	return &VecStore{db: db, logger: logger}
}

// Len returns the number of records in series.
func (s *VecStore) Len(series string) (uint64, error) {
	n, _, err := getUint64(s.db, lengthKey(series))
	return n, err
}

// TruncatePush writes value at index, first removing any records at or above
// index. index must not exceed Len(series).
func (s *VecStore) TruncatePush(series string, index uint64, value any) error {
	return s.PushHeight(index, map[string]any{series: value})
}

// PushHeight truncate-pushes one value per series at the same index in a single
// atomic batch.
func (s *VecStore) PushHeight(index uint64, values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)

	b := s.db.NewBatch()
	defer b.Close()

	for _, name := range names {
		n, err := s.Len(name)
		if err != nil {
			return err
		}
		if index > n {
			return fmt.Errorf("%w: %s has %d records, write at %d", ErrNonContiguous, name, n, index)
		}
		data, err := json.Marshal(values[name])
		if err != nil {
			return fmt.Errorf("encode %s[%d]: %w", name, index, err)
		}
		if index < n {
			if err := b.DeleteRange(seriesKey(name, index), prefixEnd(seriesPrefix(name)), nil); err != nil {
				return err
			}
		}
		if err := b.Set(seriesKey(name, index), data, nil); err != nil {
			return err
		}
		if err := putUint64(b, lengthKey(name), index+1); err != nil {
			return err
		}
	}
	return b.Commit(pebble.NoSync)
}

// Get decodes the record at index into out.
func (s *VecStore) Get(series string, index uint64, out any) error {
	data, err := getCopy(s.db, seriesKey(series, index))
	if err != nil {
		return fmt.Errorf("%s[%d]: %w", series, index, err)
	}
	return json.Unmarshal(data, out)
}

// Range calls fn for every record with from <= index < to, in order.
func (s *VecStore) Range(series string, from, to uint64, fn func(index uint64, raw []byte) error) error {
	if from >= to {
		return nil
	}
	prefix := seriesPrefix(series)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: seriesKey(series, from),
		UpperBound: seriesKey(series, to),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		idx := decodeHeight(key[len(prefix):])
		if err := fn(idx, append([]byte{}, iter.Value()...)); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Series lists every series that has a length record.
func (s *VecStore) Series() ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixLength),
		UpperBound: prefixEnd([]byte(prefixLength)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []string
	for iter.First(); iter.Valid(); iter.Next() {
		out = append(out, string(bytes.TrimPrefix(iter.Key(), []byte(prefixLength))))
	}
	return out, iter.Error()
}

// MinConsistentHeight returns the smallest length among series: every series
// has data for all heights below it.
func (s *VecStore) MinConsistentHeight(series []string) (uint64, error) {
	if len(series) == 0 {
		return 0, nil
	}
	minLen := ^uint64(0)
	for _, name := range series {
		n, err := s.Len(name)
		if err != nil {
			return 0, err
		}
		minLen = min(minLen, n)
	}
	return minLen, nil
}

// ValidateVersionOrReset wipes series when its stored version differs from
// version, then records version. Returns true if the series was reset.
func (s *VecStore) ValidateVersionOrReset(series string, version uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok, err := getUint64(s.db, versionKey(series))
	if err != nil {
		return false, err
	}
	if ok && stored == version {
		return false, nil
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(seriesPrefix(series), prefixEnd(seriesPrefix(series)), nil); err != nil {
		return false, err
	}
	if err := putUint64(b, lengthKey(series), 0); err != nil {
		return false, err
	}
	if err := putUint64(b, versionKey(series), version); err != nil {
		return false, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return false, err
	}

	if ok {
		s.logger.Warn().
			Str("series", series).
			Uint64("stored_version", stored).
			Uint64("version", version).
			Msg("series version changed, reset")
	}
	return ok, nil
}

// RollbackBefore truncates every series to fewer than stamp records and drops
// every checkpoint at or above stamp. Running it twice is a no-op the second time.
func (s *VecStore) RollbackBefore(stamp uint64) (RollbackResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := RollbackResult{Stamp: stamp}
	names, err := s.Series()
	if err != nil {
		return res, err
	}

	b := s.db.NewBatch()
	defer b.Close()

	for _, name := range names {
		n, err := s.Len(name)
		if err != nil {
			return res, err
		}
		if n <= stamp {
			continue
		}
		if err := b.DeleteRange(seriesKey(name, stamp), prefixEnd(seriesPrefix(name)), nil); err != nil {
			return res, err
		}
		if err := putUint64(b, lengthKey(name), stamp); err != nil {
			return res, err
		}
		res.SeriesTruncated++
		res.RecordsRemoved += n - stamp
	}

	heights, err := checkpointHeights(s.db)
	if err != nil {
		return res, err
	}
	for _, h := range heights {
		if h >= stamp {
			res.CheckpointsRemoved++
		}
	}
	if res.CheckpointsRemoved > 0 {
		if err := b.DeleteRange(checkpointKey(stamp), prefixEnd([]byte(prefixCheckpoint)), nil); err != nil {
			return res, err
		}
		if err := b.DeleteRange(appendHeight([]byte(prefixCohortSnap), stamp), prefixEnd([]byte(prefixCohortSnap)), nil); err != nil {
			return res, err
		}
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return res, err
	}
	if res.SeriesTruncated > 0 || res.CheckpointsRemoved > 0 {
		s.logger.Info().
			Uint64("stamp", stamp).
			Int("series", res.SeriesTruncated).
			Uint64("records", res.RecordsRemoved).
			Int("checkpoints", res.CheckpointsRemoved).
			Msg("rolled back")
	}
	return res, nil
}

// Flush syncs pending writes.
func (s *VecStore) Flush() error {
	return s.db.Flush()
}
