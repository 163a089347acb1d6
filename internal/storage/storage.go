package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"Shardkeep/internal/candidate"
	"Shardkeep/internal/codec"
	"Shardkeep/internal/merkle"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond

	// chunkKeySize is prefix(2) + digest(32) + index(4).
	chunkKeySize = 2 + 32 + 4
)

// Key prefixes. Every candidate's records share the digest after the prefix.
var (
	prefixChunk   = []byte("c:")
	prefixPayload = []byte("p:")
	prefixMeta    = []byte("m:")
)

// chunkRecord is the stored form of an erasure chunk.
type chunkRecord struct {
	Chunk []byte       `cbor:"c"`
	Proof merkle.Proof `cbor:"p"`
}

// Meta describes what this node stored for a candidate.
type Meta struct {
	ErasureRoot candidate.Hash `cbor:"r"` // ErasureRoot is the committed root
	Total       int            `cbor:"n"` // Total is the shard count
	Size        int            `cbor:"s"` // Size is the payload length in bytes
	StoredAt    int64          `cbor:"t"` // StoredAt is the unix time of the write
}

// Storage is the local chunk store backed by Pebble.
// Writes are non-blocking (NoSync) and a background goroutine
// periodically syncs the WAL to disk for durability.
type Storage struct {
	db       *pebble.DB    // db is the underlying Pebble database
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	closed   sync.Once     // closed guards Close
	wg       sync.WaitGroup
}

// New opens a chunk store at the given path.
// It starts a background goroutine that syncs the WAL periodically.
func New(path string) (*Storage, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20), // 32 MB cache
		MemTableSize:                16 << 20,                  // 16 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble:\n%w", err)
	}

	s := &Storage{
		db:       db,
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop()

	return s, nil
}

// chunkKey builds c:<digest><index>.
func chunkKey(digest candidate.Hash, index uint32) []byte {
	key := make([]byte, chunkKeySize)
	copy(key, prefixChunk)
	copy(key[2:34], digest[:])
	binary.BigEndian.PutUint32(key[34:], index)

	return key
}

// digestKey builds <prefix><digest>.
func digestKey(prefix []byte, digest candidate.Hash) []byte {
	key := make([]byte, 0, len(prefix)+32)
	key = append(key, prefix...)

	return append(key, digest[:]...)
}

// PutChunks atomically stores chunks of a candidate.
func (s *Storage) PutChunks(digest candidate.Hash, chunks []*candidate.ErasureChunk) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, c := range chunks {
		value, err := codec.Marshal(chunkRecord{Chunk: c.Chunk, Proof: c.Proof})
		if err != nil {
			return fmt.Errorf("encode chunk %d:\n%w", c.Index, err)
		}

		if err := batch.Set(chunkKey(digest, c.Index), value, nil); err != nil {
			return err
		}
	}

	return batch.Commit(pebble.NoSync)
}

// GetChunk returns the stored chunk at index, or nil if absent.
func (s *Storage) GetChunk(digest candidate.Hash, index uint32) (*candidate.ErasureChunk, error) {
	value, err := s.get(chunkKey(digest, index))
	if err != nil || value == nil {
		return nil, err
	}

	var rec chunkRecord
	if err := codec.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("decode chunk %d:\n%w", index, err)
	}

	return &candidate.ErasureChunk{Index: index, Chunk: rec.Chunk, Proof: rec.Proof}, nil
}

// ChunkIndices lists the indices of the chunks stored for a candidate.
func (s *Storage) ChunkIndices(digest candidate.Hash) ([]uint32, error) {
	var indices []uint32

	err := s.iteratePrefix(digestKey(prefixChunk, digest), func(key, _ []byte) error {
		if len(key) == chunkKeySize {
			indices = append(indices, binary.BigEndian.Uint32(key[34:]))
		}
		return nil
	})

	return indices, err
}

// PutPayload stores the full payload of a candidate, zstd-compressed.
func (s *Storage) PutPayload(digest candidate.Hash, payload []byte) error {
	compressed, err := codec.Compress(payload)
	if err != nil {
		return err
	}

	return s.db.Set(digestKey(prefixPayload, digest), compressed, pebble.NoSync)
}

// GetPayload returns the full payload, or nil if this node does not hold it.
func (s *Storage) GetPayload(digest candidate.Hash) ([]byte, error) {
	value, err := s.get(digestKey(prefixPayload, digest))
	if err != nil || value == nil {
		return nil, err
	}

	payload, err := codec.Decompress(value)
	if err != nil {
		return nil, fmt.Errorf("decompress payload:\n%w", err)
	}

	return payload, nil
}

// PutMeta records candidate metadata.
func (s *Storage) PutMeta(digest candidate.Hash, meta Meta) error {
	value, err := codec.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode meta:\n%w", err)
	}

	return s.db.Set(digestKey(prefixMeta, digest), value, pebble.NoSync)
}

// GetMeta returns candidate metadata, or nil if none was recorded.
func (s *Storage) GetMeta(digest candidate.Hash) (*Meta, error) {
	value, err := s.get(digestKey(prefixMeta, digest))
	if err != nil || value == nil {
		return nil, err
	}

	var meta Meta
	if err := codec.Unmarshal(value, &meta); err != nil {
		return nil, fmt.Errorf("decode meta:\n%w", err)
	}

	return &meta, nil
}

// Delete removes every record of a candidate in one batch.
func (s *Storage) Delete(digest candidate.Hash) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	chunkPrefix := digestKey(prefixChunk, digest)
	if err := batch.DeleteRange(chunkPrefix, prefixUpperBound(chunkPrefix), nil); err != nil {
		return err
	}

	if err := batch.Delete(digestKey(prefixPayload, digest), nil); err != nil {
		return err
	}

	if err := batch.Delete(digestKey(prefixMeta, digest), nil); err != nil {
		return err
	}

	return batch.Commit(pebble.NoSync)
}

// Candidates lists the digests that have metadata recorded.
func (s *Storage) Candidates() ([]candidate.Hash, error) {
	var digests []candidate.Hash

	err := s.iteratePrefix(prefixMeta, func(key, _ []byte) error {
		if len(key) != len(prefixMeta)+32 {
			return nil
		}

		var d candidate.Hash
		copy(d[:], key[len(prefixMeta):])
		digests = append(digests, d)

		return nil
	})

	return digests, err
}

// get retrieves the value for the given key.
// Returns nil if the key does not exist.
func (s *Storage) get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// Copy the value since it's invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// iteratePrefix calls fn for each key-value pair with the given prefix.
func (s *Storage) iteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// Close stops the sync goroutine and closes the database.
// It performs a final sync before closing to ensure durability.
func (s *Storage) Close() error {
	var err error

	s.closed.Do(func() {
		close(s.stopSync)
		s.wg.Wait()

		if err = s.sync(); err != nil {
			s.db.Close()
			return
		}

		err = s.db.Close()
	})

	return err
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Storage) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Storage) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
