package candidate

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"Shardkeep/internal/erasure"
	"Shardkeep/internal/merkle"
)

var (
	ErrNoValidators     = errors.New("empty validator set")
	ErrTotalMismatch    = errors.New("shard total does not match validator set")
	ErrMissingCommitted = errors.New("receipt lacks digest or erasure root")
	ErrInvalidHash      = errors.New("invalid hash")
)

// Hash is a 32-byte identifier for payloads, erasure roots and validators.
type Hash [32]byte

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, for logs.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash

	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return h, fmt.Errorf("%w: %q", ErrInvalidHash, s)
	}

	copy(h[:], b)

	return h, nil
}

// IsZero reports whether h is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Digest computes the payload digest BLAKE3-256(payload).
func Digest(payload []byte) Hash {
	return blake3.Sum256(payload)
}

// ErasureChunk is one shard of an encoded payload with its inclusion proof.
type ErasureChunk struct {
	Index uint32       `cbor:"i"` // Index is the shard position, equal to the owner's validator index
	Chunk []byte       `cbor:"c"` // Chunk is the shard bytes
	Proof merkle.Proof `cbor:"p"` // Proof binds Chunk at Index to the erasure root
}

// Verify checks the chunk against root for a set of total shards.
func (c *ErasureChunk) Verify(root Hash, total int) error {
	return merkle.VerifyProof(merkle.Hash(root), total, int(c.Index), c.Chunk, c.Proof)
}

// ValidatorSet is an immutable ordered snapshot of participant identities.
// The validator at position i owns shard i.
type ValidatorSet struct {
	validators []Hash       // validators are the participant public keys in order
	index      map[Hash]int // index maps a public key to its position
}

// NewValidatorSet creates a validator set from a list of pubkeys.
func NewValidatorSet(pubkeys []Hash) *ValidatorSet {
	vs := &ValidatorSet{
		validators: make([]Hash, len(pubkeys)),
		index:      make(map[Hash]int, len(pubkeys)),
	}

	for i, pk := range pubkeys {
		vs.validators[i] = pk
		vs.index[pk] = i
	}

	return vs
}

// Len returns the number of validators.
func (vs *ValidatorSet) Len() int {
	return len(vs.validators)
}

// At returns the validator at position i.
func (vs *ValidatorSet) At(i int) Hash {
	return vs.validators[i]
}

// Validators returns a copy of all validator pubkeys.
func (vs *ValidatorSet) Validators() []Hash {
	result := make([]Hash, len(vs.validators))
	copy(result, vs.validators)

	return result
}

// Index returns the index of a validator in the set, or -1 if not found.
func (vs *ValidatorSet) Index(pubkey Hash) int {
	if idx, exists := vs.index[pubkey]; exists {
		return idx
	}

	return -1
}

// Contains checks if a pubkey is in the validator set.
func (vs *ValidatorSet) Contains(pubkey Hash) bool {
	_, exists := vs.index[pubkey]
	return exists
}

// Threshold returns the recovery threshold for this set.
func (vs *ValidatorSet) Threshold() (int, error) {
	return erasure.Threshold(len(vs.validators))
}

// Receipt carries what a recoverer knows about a candidate.
type Receipt struct {
	PayloadDigest Hash          // PayloadDigest is BLAKE3(payload)
	ErasureRoot   Hash          // ErasureRoot is the Merkle root over the shards
	TotalShards   int           // TotalShards equals the validator set size
	Backers       []Hash        // Backers are participants holding the full payload
	Validators    *ValidatorSet // Validators is the snapshot the shards were assigned to
}

// Validate checks the receipt is internally consistent.
func (r *Receipt) Validate() error {
	if r.Validators == nil || r.Validators.Len() == 0 {
		return ErrNoValidators
	}

	if r.TotalShards != r.Validators.Len() {
		return fmt.Errorf("%w: total %d, validators %d", ErrTotalMismatch, r.TotalShards, r.Validators.Len())
	}

	if _, err := erasure.Threshold(r.TotalShards); err != nil {
		return err
	}

	if r.PayloadDigest.IsZero() || r.ErasureRoot.IsZero() {
		return ErrMissingCommitted
	}

	return nil
}
