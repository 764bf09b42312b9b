package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "CohortLedger:genesis:v1"

// GenesisHash is the state hash before height 0.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ChainHash calculates state_hash[h] = SHA-256(prev_hash || h || state_digest)
func ChainHash(prev [32]byte, height uint64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(prev[:])

	var heightBuf [8]byte
	binary.LittleEndian.PutUint64(heightBuf[:], height)
	hasher.Write(heightBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// StateHasher chains per-height state hashes.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

// ComputeHash appends height to the chain and returns its hash.
func (h *StateHasher) ComputeHash(height uint64, stateDigest []byte) [32]byte {
	hash := ChainHash(h.prevHash, height, stateDigest)
	h.prevHash = hash
	return hash
}

// Reset restarts the chain from prev (used by recovery).
func (h *StateHasher) Reset(prev [32]byte) {
	h.prevHash = prev
}
