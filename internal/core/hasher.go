package core

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// GenesisHashSeed seeds the tip of an empty chain.
const GenesisHashSeed = "PerpSettle:genesis:v1"

// GenesisHash is the tip before sequence 0.
var GenesisHash = common.Hash(sha256.Sum256([]byte(GenesisHashSeed)))

// HashChain links every envelope to the one before it:
//
//	hash[N] = SHA-256(hash[N-1] || le64(N) || digest[N])
type HashChain struct {
	tip common.Hash
}

func NewHashChain() *HashChain {
	return &HashChain{tip: GenesisHash}
}

// Link appends digest at sequence and returns the previous and new tips.
func (c *HashChain) Link(sequence int64, digest []byte) (prev, next common.Hash) {
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(sequence))

	h := sha256.New()
	h.Write(c.tip[:])
	h.Write(seq[:])
	h.Write(digest)

	prev = c.tip
	copy(c.tip[:], h.Sum(nil))
	return prev, c.tip
}

// Tip returns the hash of the last linked envelope.
func (c *HashChain) Tip() common.Hash { return c.tip }

// Reset moves the tip, for snapshot restore.
func (c *HashChain) Reset(tip common.Hash) { c.tip = tip }
