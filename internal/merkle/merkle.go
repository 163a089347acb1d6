// Package merkle builds the erasure root over a shard set and checks shard
// inclusion proofs against it.
//
// Tree rules:
//   - leaf i is BLAKE3(0x00 || uint32_be(i) || chunk), so a proof only holds
//     at the index it was issued for
//   - an inner node is BLAKE3(0x01 || left || right)
//   - a level of odd length duplicates its last node
//
// A proof lists sibling hashes from the leaf up to the root.
package merkle

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

var (
	ErrIndexOutOfRange = errors.New("proof index out of range")
	ErrProofLength     = errors.New("proof length mismatch")
	ErrRootMismatch    = errors.New("proof does not match root")
)

// Hash is a 32-byte BLAKE3 digest.
type Hash = [32]byte

// Proof is the list of sibling hashes from a leaf to the root.
type Proof []Hash

// Tree holds every level of a Merkle tree, leaves first.
type Tree struct {
	levels [][]Hash // levels[0] are the leaves, last level is the root
	total  int      // total is the number of real leaves
}

// LeafHash computes the leaf hash of chunk at index.
func LeafHash(index int, chunk []byte) Hash {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(index))

	h := blake3.New()
	h.Write([]byte{leafPrefix})
	h.Write(idx[:])
	h.Write(chunk)

	var out Hash
	h.Sum(out[:0])

	return out
}

// nodeHash computes the hash of an inner node.
func nodeHash(left, right Hash) Hash {
	var buf [1 + 64]byte
	buf[0] = nodePrefix
	copy(buf[1:33], left[:])
	copy(buf[33:], right[:])

	return blake3.Sum256(buf[:])
}

// Depth returns the proof length for a tree of total leaves.
func Depth(total int) int {
	depth := 0
	for n := total; n > 1; n = (n + 1) / 2 {
		depth++
	}

	return depth
}

// Build constructs the tree over chunks. Chunk i becomes leaf i.
func Build(chunks [][]byte) *Tree {
	t := &Tree{total: len(chunks)}

	if len(chunks) == 0 {
		return t
	}

	level := make([]Hash, len(chunks))
	for i, c := range chunks {
		level[i] = LeafHash(i, c)
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		t.levels = append(t.levels, level)

		next := make([]Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = nodeHash(level[i], level[i+1])
		}

		level = next
	}

	t.levels = append(t.levels, level)

	return t
}

// Root returns the root hash. An empty tree has a zero root.
func (t *Tree) Root() Hash {
	if len(t.levels) == 0 {
		return Hash{}
	}

	return t.levels[len(t.levels)-1][0]
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	return t.total
}

// Proof returns the inclusion proof for leaf index.
func (t *Tree) Proof(index int) (Proof, error) {
	if index < 0 || index >= t.total {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, t.total)
	}

	proof := make(Proof, 0, len(t.levels)-1)
	idx := index

	for _, level := range t.levels[:len(t.levels)-1] {
		proof = append(proof, level[idx^1])
		idx /= 2
	}

	return proof, nil
}

// Root computes the root over chunks without keeping the tree.
func Root(chunks [][]byte) Hash {
	return Build(chunks).Root()
}

// VerifyProof checks that chunk is leaf index of the tree with the given
// root over total leaves. Cost is Depth(total) hashes.
func VerifyProof(root Hash, total, index int, chunk []byte, proof Proof) error {
	if index < 0 || index >= total {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, total)
	}

	if want := Depth(total); len(proof) != want {
		return fmt.Errorf("%w: got %d, want %d", ErrProofLength, len(proof), want)
	}

	h := LeafHash(index, chunk)
	idx := index

	for _, sibling := range proof {
		if idx&1 == 0 {
			h = nodeHash(h, sibling)
		} else {
			h = nodeHash(sibling, h)
		}

		idx /= 2
	}

	if h != root {
		return ErrRootMismatch
	}

	return nil
}

// Verify reports whether chunk with proof is leaf index under root.
func Verify(root Hash, total, index int, chunk []byte, proof Proof) bool {
	return VerifyProof(root, total, index, chunk, proof) == nil
}
