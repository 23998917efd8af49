// Package merkle implements a binary Merkle tree over 32-byte leaves,
// used by pkg/merkle.List to authenticate each validator's append-only
// LECT history (spec: "authenticated (Merkle) list per validator").
package merkle

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
)

// ErrEmptyTree is returned by BuildTree when given no leaves.
var ErrEmptyTree = errors.New("cannot build tree from empty leaves")

// ErrInvalidLeafHash is returned by BuildTree when a leaf is not 32 bytes.
var ErrInvalidLeafHash = errors.New("leaf hash must be 32 bytes")

// Tree is a binary Merkle tree over 32-byte leaf hashes.
type Tree struct {
	mu   sync.RWMutex
	root []byte
}

// BuildTree creates a new Merkle tree from the given leaf hashes.
// Each leaf must be exactly 32 bytes (SHA256 hash).
func BuildTree(leaves [][]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	for i, leaf := range leaves {
		if len(leaf) != 32 {
			return nil, fmt.Errorf("%w: leaf %d has %d bytes", ErrInvalidLeafHash, i, len(leaf))
		}
	}

	currentLevel := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		currentLevel[i] = make([]byte, 32)
		copy(currentLevel[i], leaf)
	}

	for len(currentLevel) > 1 {
		nextLevel := make([][]byte, 0, (len(currentLevel)+1)/2)
		for i := 0; i < len(currentLevel); i += 2 {
			if i+1 < len(currentLevel) {
				nextLevel = append(nextLevel, hashPair(currentLevel[i], currentLevel[i+1]))
			} else {
				// Odd node out: duplicate it, standard Merkle tree behavior.
				nextLevel = append(nextLevel, hashPair(currentLevel[i], currentLevel[i]))
			}
		}
		currentLevel = nextLevel
	}

	return &Tree{root: currentLevel[0]}, nil
}

// hashPair combines two 32-byte hashes into one via SHA256(left || right).
func hashPair(left, right []byte) []byte {
	combined := make([]byte, 64)
	copy(combined[:32], left)
	copy(combined[32:], right)
	hash := sha256.Sum256(combined)
	return hash[:]
}

// Root returns the Merkle root as a 32-byte slice.
func (t *Tree) Root() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.root == nil {
		return nil
	}
	root := make([]byte, 32)
	copy(root, t.root)
	return root
}

// HashData creates a SHA256 hash of arbitrary data; it's the leaf hash
// function used by pkg/merkle.List and the schema's TxID helper.
func HashData(data []byte) []byte {
	hash := sha256.Sum256(data)
	return hash[:]
}
