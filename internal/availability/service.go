// Package availability is the consumer-facing surface of the node: it
// erasure-codes and stores payloads this node backs, accepts shards handed
// to it, and recovers payloads it does not hold.
package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Shardkeep/internal/candidate"
	"Shardkeep/internal/erasure"
	"Shardkeep/internal/logger"
	"Shardkeep/internal/merkle"
	"Shardkeep/internal/recovery"
	"Shardkeep/internal/storage"
)

var (
	ErrErasureRootMismatch = errors.New("erasure root mismatch")
	ErrInvalidOwnIndex     = errors.New("own index outside validator set")
)

// ChunkStore is the persistent store the service writes to.
type ChunkStore interface {
	PutChunks(digest candidate.Hash, chunks []*candidate.ErasureChunk) error
	GetChunk(digest candidate.Hash, index uint32) (*candidate.ErasureChunk, error)
	PutPayload(digest candidate.Hash, payload []byte) error
	GetPayload(digest candidate.Hash) ([]byte, error)
	PutMeta(digest candidate.Hash, meta storage.Meta) error
	Delete(digest candidate.Hash) error
}

// Commitment is what a backer publishes about a payload.
type Commitment struct {
	PayloadDigest candidate.Hash // PayloadDigest is BLAKE3(payload)
	ErasureRoot   candidate.Hash // ErasureRoot is the Merkle root over the shards
	Total         int            // Total is the number of shards
}

// Service ties the chunk store to the recovery engine.
type Service struct {
	store     ChunkStore          // store holds chunks and payloads
	recoverer *recovery.Recoverer // recoverer fetches what the store lacks
}

// New creates a Service.
func New(store ChunkStore, recoverer *recovery.Recoverer) *Service {
	return &Service{store: store, recoverer: recoverer}
}

// Recover returns the payload described by receipt.
func (s *Service) Recover(ctx context.Context, receipt *candidate.Receipt) ([]byte, error) {
	return s.recoverer.Recover(ctx, receipt)
}

// EncodeAndStore erasure-codes payload over the validator set, stores the
// payload with this node's own chunk, and returns the commitment. ownIndex
// is this node's position in the set, or -1 if it is not a validator and
// holds no chunk. Handing the other chunks out is up to the caller, see
// Encode.
func (s *Service) EncodeAndStore(payload []byte, validators *candidate.ValidatorSet, ownIndex int) (*Commitment, error) {
	commitment, chunks, err := encodeOwn(payload, validators, ownIndex)
	if err != nil {
		return nil, err
	}

	if err := s.persist(commitment, payload, ownChunk(chunks, ownIndex)); err != nil {
		return nil, err
	}

	return commitment, nil
}

// MakeAvailable is EncodeAndStore for a payload whose erasure root was
// announced by someone else. Nothing is stored if the recomputed root
// differs from expectedRoot.
func (s *Service) MakeAvailable(payload []byte, validators *candidate.ValidatorSet, ownIndex int, expectedRoot candidate.Hash) (*Commitment, error) {
	commitment, chunks, err := encodeOwn(payload, validators, ownIndex)
	if err != nil {
		return nil, err
	}

	if commitment.ErasureRoot != expectedRoot {
		logger.Warn("refusing payload with wrong erasure root",
			"candidate", commitment.PayloadDigest.Short(),
			"expected", expectedRoot.Short(),
			"computed", commitment.ErasureRoot.Short(),
		)
		return nil, fmt.Errorf("%w: expected %s, computed %s",
			ErrErasureRootMismatch, expectedRoot.Short(), commitment.ErasureRoot.Short())
	}

	if err := s.persist(commitment, payload, ownChunk(chunks, ownIndex)); err != nil {
		return nil, err
	}

	return commitment, nil
}

// AcceptChunk stores a single chunk handed to this node after checking it
// against the commitment.
func (s *Service) AcceptChunk(commitment *Commitment, chunk *candidate.ErasureChunk) error {
	if err := chunk.Verify(commitment.ErasureRoot, commitment.Total); err != nil {
		return fmt.Errorf("verify chunk %d:\n%w", chunk.Index, err)
	}

	if err := s.store.PutChunks(commitment.PayloadDigest, []*candidate.ErasureChunk{chunk}); err != nil {
		return fmt.Errorf("store chunk %d:\n%w", chunk.Index, err)
	}

	return s.store.PutMeta(commitment.PayloadDigest, storage.Meta{
		ErasureRoot: commitment.ErasureRoot,
		Total:       commitment.Total,
		StoredAt:    time.Now().Unix(),
	})
}

// Prune forgets a candidate: its stored records and any cached payload.
func (s *Service) Prune(digest candidate.Hash) error {
	s.recoverer.Forget(digest)

	if err := s.store.Delete(digest); err != nil {
		return fmt.Errorf("prune %s:\n%w", digest.Short(), err)
	}

	logger.Debug("pruned candidate", "candidate", digest.Short())

	return nil
}

// Stats returns the recovery counters.
func (s *Service) Stats() recovery.Stats {
	return s.recoverer.Stats()
}

// persist writes payload, chunks and metadata of one candidate.
func (s *Service) persist(c *Commitment, payload []byte, chunks []*candidate.ErasureChunk) error {
	if len(chunks) > 0 {
		if err := s.store.PutChunks(c.PayloadDigest, chunks); err != nil {
			return fmt.Errorf("store chunks:\n%w", err)
		}
	}

	if err := s.store.PutPayload(c.PayloadDigest, payload); err != nil {
		return fmt.Errorf("store payload:\n%w", err)
	}

	meta := storage.Meta{
		ErasureRoot: c.ErasureRoot,
		Total:       c.Total,
		Size:        len(payload),
		StoredAt:    time.Now().Unix(),
	}

	if err := s.store.PutMeta(c.PayloadDigest, meta); err != nil {
		return fmt.Errorf("store meta:\n%w", err)
	}

	logger.Info("stored candidate",
		"candidate", c.PayloadDigest.Short(),
		"root", c.ErasureRoot.Short(),
		"shards", c.Total,
		"own", len(chunks),
		"size", len(payload),
	)

	return nil
}

// encodeOwn is Encode with the own index checked against the set.
func encodeOwn(payload []byte, validators *candidate.ValidatorSet, ownIndex int) (*Commitment, []*candidate.ErasureChunk, error) {
	if validators != nil && (ownIndex < -1 || ownIndex >= validators.Len()) {
		return nil, nil, fmt.Errorf("%w: %d of %d", ErrInvalidOwnIndex, ownIndex, validators.Len())
	}

	return Encode(payload, validators)
}

// ownChunk returns the chunk owned by ownIndex, none for -1.
func ownChunk(chunks []*candidate.ErasureChunk, ownIndex int) []*candidate.ErasureChunk {
	if ownIndex < 0 {
		return nil
	}

	return chunks[ownIndex : ownIndex+1]
}

// Encode produces the commitment and the proof-carrying chunks of payload,
// chunk i being owned by the validator at position i.
func Encode(payload []byte, validators *candidate.ValidatorSet) (*Commitment, []*candidate.ErasureChunk, error) {
	if validators == nil || validators.Len() == 0 {
		return nil, nil, candidate.ErrNoValidators
	}

	total := validators.Len()

	shards, err := erasure.Encode(payload, total)
	if err != nil {
		return nil, nil, fmt.Errorf("encode payload:\n%w", err)
	}

	tree := merkle.Build(shards)
	chunks := make([]*candidate.ErasureChunk, total)

	for i, shard := range shards {
		proof, err := tree.Proof(i)
		if err != nil {
			return nil, nil, fmt.Errorf("build proof %d:\n%w", i, err)
		}

		chunks[i] = &candidate.ErasureChunk{Index: uint32(i), Chunk: shard, Proof: proof}
	}

	commitment := &Commitment{
		PayloadDigest: candidate.Digest(payload),
		ErasureRoot:   candidate.Hash(tree.Root()),
		Total:         total,
	}

	return commitment, chunks, nil
}
