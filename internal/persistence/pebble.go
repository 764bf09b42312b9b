package persistence

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
)

var (
	// ErrNotFound is returned when a record, series entry or checkpoint is absent.
	ErrNotFound = errors.New("not found")

	// ErrNonContiguous is returned by TruncatePush for an index past the series end.
	ErrNonContiguous = errors.New("non-contiguous series write")
)

// Key prefixes. Heights are big-endian so byte order matches height order.
const (
	prefixSeries     = "s/" // s/<series>\x00<height>          -> record
	prefixLength     = "l/" // l/<series>                      -> length
	prefixVersion    = "v/" // v/<series>                      -> version
	prefixCheckpoint = "h/" // h/<height>                      -> checkpoint header
	prefixCohortSnap = "c/" // c/<height>/<cohort>             -> cohort snapshot
)

// OpenPebble opens the state database. An empty dir opens an in-memory store.
func OpenPebble(dir string) (*pebble.DB, error) {
	opts := &pebble.Options{}
	if dir == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %q: %w", dir, err)
	}
	return db, nil
}

func appendHeight(buf []byte, h uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, h)
}

func seriesPrefix(series string) []byte {
	k := make([]byte, 0, len(prefixSeries)+len(series)+1)
	k = append(k, prefixSeries...)
	k = append(k, series...)
	return append(k, 0)
}

func seriesKey(series string, index uint64) []byte {
	return appendHeight(seriesPrefix(series), index)
}

func lengthKey(series string) []byte {
	return append([]byte(prefixLength), series...)
}

func versionKey(series string) []byte {
	return append([]byte(prefixVersion), series...)
}

func checkpointKey(height uint64) []byte {
	return appendHeight([]byte(prefixCheckpoint), height)
}

func cohortSnapKey(height uint64, cohortID string) []byte {
	k := appendHeight([]byte(prefixCohortSnap), height)
	k = append(k, '/')
	return append(k, cohortID...)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte{}, p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func getUint64(db pebble.Reader, key []byte) (uint64, bool, error) {
	v, closer, err := db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	if len(v) != 8 {
		return 0, false, fmt.Errorf("corrupt counter at %q", key)
	}
	return binary.BigEndian.Uint64(v), true, nil
}

func putUint64(b *pebble.Batch, key []byte, v uint64) error {
	return b.Set(key, binary.BigEndian.AppendUint64(nil, v), nil)
}

func getCopy(db pebble.Reader, key []byte) ([]byte, error) {
	v, closer, err := db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte{}, v...), nil
}
