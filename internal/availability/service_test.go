package availability

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"Shardkeep/internal/candidate"
	"Shardkeep/internal/recovery"
	"Shardkeep/internal/storage"
)

// storeTransport answers requests from other nodes' stores.
type storeTransport map[candidate.Hash]*storage.Storage

func (st storeTransport) RequestFull(_ context.Context, participant, digest candidate.Hash) ([]byte, error) {
	s, ok := st[participant]
	if !ok {
		return nil, errors.New("unknown participant")
	}

	payload, err := s.GetPayload(digest)
	if err != nil || payload == nil {
		return nil, errors.New("payload not held")
	}

	return payload, nil
}

func (st storeTransport) RequestChunk(_ context.Context, participant, digest candidate.Hash, index uint32) (*candidate.ErasureChunk, error) {
	s, ok := st[participant]
	if !ok {
		return nil, errors.New("unknown participant")
	}

	return s.GetChunk(digest, index)
}

// openStore opens a pebble store in a test directory.
func openStore(t *testing.T) *storage.Storage {
	t.Helper()

	s, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

func testValidators(n int) *candidate.ValidatorSet {
	keys := make([]candidate.Hash, n)
	for i := range keys {
		keys[i] = candidate.Hash{0xC0, byte(i)}
	}

	return candidate.NewValidatorSet(keys)
}

func testConfig() recovery.Config {
	cfg := recovery.DefaultConfig()
	cfg.RequestTimeout = 200 * time.Millisecond
	cfg.TaskTimeout = 5 * time.Second

	return cfg
}

// newService builds a service for the validator at self.
func newService(t *testing.T, transport recovery.Transport, self candidate.Hash) (*Service, *storage.Storage) {
	t.Helper()

	store := openStore(t)
	rec := recovery.New(testConfig(), transport, store, self)

	return New(store, rec), store
}

func TestEncodeAndStore(t *testing.T) {
	vs := testValidators(7)
	svc, store := newService(t, storeTransport{}, vs.At(3))

	payload := bytes.Repeat([]byte("parachain block "), 300)

	c, err := svc.EncodeAndStore(payload, vs, 3)
	if err != nil {
		t.Fatalf("EncodeAndStore failed: %v", err)
	}

	if c.PayloadDigest != candidate.Digest(payload) || c.Total != 7 {
		t.Errorf("commitment = %+v", c)
	}

	own, err := store.GetChunk(c.PayloadDigest, 3)
	if err != nil || own == nil {
		t.Fatalf("own chunk missing: %v", err)
	}

	if err := own.Verify(c.ErasureRoot, c.Total); err != nil {
		t.Errorf("own chunk does not verify: %v", err)
	}

	indices, err := store.ChunkIndices(c.PayloadDigest)
	if err != nil || len(indices) != 1 || indices[0] != 3 {
		t.Errorf("stored chunk indices = %v, %v, want [3]", indices, err)
	}

	meta, err := store.GetMeta(c.PayloadDigest)
	if err != nil || meta == nil || meta.ErasureRoot != c.ErasureRoot || meta.Size != len(payload) {
		t.Errorf("meta = %+v, %v", meta, err)
	}

	receipt := &candidate.Receipt{
		PayloadDigest: c.PayloadDigest,
		ErasureRoot:   c.ErasureRoot,
		TotalShards:   c.Total,
		Validators:    vs,
	}

	got, err := svc.Recover(context.Background(), receipt)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Error("Recover returned different payload")
	}

	if s := svc.Stats(); s.LocalRecoveries != 1 || s.ChunkRequests+s.FullRequests != 0 {
		t.Errorf("Stats = %+v, want one local recovery and no requests", s)
	}
}

func TestEncodeAndStoreRejectsBadInput(t *testing.T) {
	svc, _ := newService(t, storeTransport{}, candidate.Hash{})

	if _, err := svc.EncodeAndStore([]byte("x"), nil, -1); !errors.Is(err, candidate.ErrNoValidators) {
		t.Errorf("nil validators error = %v", err)
	}

	if _, err := svc.EncodeAndStore([]byte("x"), testValidators(4), 4); !errors.Is(err, ErrInvalidOwnIndex) {
		t.Errorf("out-of-range own index error = %v", err)
	}

	if _, err := svc.EncodeAndStore([]byte("x"), testValidators(4), -2); !errors.Is(err, ErrInvalidOwnIndex) {
		t.Errorf("negative own index error = %v", err)
	}
}

// TestEncodeAndStoreNonValidator verifies a node outside the set keeps the
// payload but no chunk.
func TestEncodeAndStoreNonValidator(t *testing.T) {
	svc, store := newService(t, storeTransport{}, candidate.Hash{})

	payload := []byte("not a validator")

	c, err := svc.EncodeAndStore(payload, testValidators(7), -1)
	if err != nil {
		t.Fatalf("EncodeAndStore failed: %v", err)
	}

	if p, _ := store.GetPayload(c.PayloadDigest); !bytes.Equal(p, payload) {
		t.Error("payload not stored")
	}

	for i := uint32(0); i < 7; i++ {
		if chunk, _ := store.GetChunk(c.PayloadDigest, i); chunk != nil {
			t.Errorf("non-validator holds chunk %d", i)
		}
	}

	held, err := store.Candidates()
	if err != nil || len(held) != 1 || held[0] != c.PayloadDigest {
		t.Errorf("Candidates = %v, %v", held, err)
	}
}

func TestEncodeMatchesStoredCommitment(t *testing.T) {
	vs := testValidators(5)
	svc, _ := newService(t, storeTransport{}, vs.At(1))

	payload := []byte("deterministic encoding")

	stored, err := svc.EncodeAndStore(payload, vs, 1)
	if err != nil {
		t.Fatalf("EncodeAndStore failed: %v", err)
	}

	c, chunks, err := Encode(payload, vs)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if *c != *stored || len(chunks) != 5 {
		t.Fatalf("Encode = %+v with %d chunks, want %+v", c, len(chunks), stored)
	}

	for i, chunk := range chunks {
		if err := chunk.Verify(c.ErasureRoot, c.Total); err != nil || chunk.Index != uint32(i) {
			t.Errorf("chunk %d: index %d, verify %v", i, chunk.Index, err)
		}
	}
}

func TestMakeAvailable(t *testing.T) {
	vs := testValidators(10)
	svc, store := newService(t, storeTransport{}, vs.At(2))

	payload := []byte("backed candidate data")

	// Learn the correct root from a throwaway encoding.
	other, _ := newService(t, storeTransport{}, candidate.Hash{})
	want, err := other.EncodeAndStore(payload, vs, -1)
	if err != nil {
		t.Fatalf("EncodeAndStore failed: %v", err)
	}

	if _, err := svc.MakeAvailable(payload, vs, 2, candidate.Hash{0xBA, 0xD0}); !errors.Is(err, ErrErasureRootMismatch) {
		t.Fatalf("MakeAvailable error = %v, want ErrErasureRootMismatch", err)
	}

	if p, _ := store.GetPayload(want.PayloadDigest); p != nil {
		t.Fatal("payload stored despite root mismatch")
	}

	got, err := svc.MakeAvailable(payload, vs, 2, want.ErasureRoot)
	if err != nil {
		t.Fatalf("MakeAvailable failed: %v", err)
	}

	if *got != *want {
		t.Errorf("commitment = %+v, want %+v", got, want)
	}

	if p, _ := store.GetPayload(want.PayloadDigest); !bytes.Equal(p, payload) {
		t.Error("payload not stored")
	}
}

func TestAcceptChunk(t *testing.T) {
	vs := testValidators(4)
	holder, holderStore := newService(t, storeTransport{}, vs.At(1))

	c, chunks, err := Encode([]byte("chunk me"), vs)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	chunk := chunks[1]

	if err := holder.AcceptChunk(c, chunk); err != nil {
		t.Fatalf("AcceptChunk failed: %v", err)
	}

	if got, _ := holderStore.GetChunk(c.PayloadDigest, 1); got == nil {
		t.Fatal("accepted chunk not stored")
	}

	bad := &candidate.ErasureChunk{Index: 2, Chunk: append([]byte(nil), chunk.Chunk...), Proof: chunk.Proof}
	if err := holder.AcceptChunk(c, bad); err == nil {
		t.Error("AcceptChunk stored a chunk under the wrong index")
	}
}

// TestRecoverFromPeers distributes chunks to four validators and recovers
// on a node that holds only its own chunk.
func TestRecoverFromPeers(t *testing.T) {
	vs := testValidators(4)
	transport := storeTransport{}

	services := make([]*Service, vs.Len())
	for i := range services {
		svc, store := newService(t, transport, vs.At(i))
		services[i] = svc
		transport[vs.At(i)] = store
	}

	backerStore := openStore(t)
	backer := New(backerStore, recovery.New(testConfig(), transport, backerStore, candidate.Hash{}))

	payload := bytes.Repeat([]byte{0xAB, 0xCD, 0xEF}, 7000)

	c, err := backer.EncodeAndStore(payload, vs, -1)
	if err != nil {
		t.Fatalf("EncodeAndStore failed: %v", err)
	}

	_, chunks, err := Encode(payload, vs)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	for i, svc := range services {
		if err := svc.AcceptChunk(c, chunks[i]); err != nil {
			t.Fatalf("AcceptChunk(%d) failed: %v", i, err)
		}
	}

	receipt := &candidate.Receipt{
		PayloadDigest: c.PayloadDigest,
		ErasureRoot:   c.ErasureRoot,
		TotalShards:   c.Total,
		Validators:    vs,
	}

	got, err := services[3].Recover(context.Background(), receipt)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Fatal("Recover returned different payload")
	}

	// Threshold for 4 is 2: own chunk plus one request.
	if s := services[3].Stats(); s.ChunkRecoveries != 1 || s.ChunkRequests != 1 {
		t.Errorf("Stats = %+v, want one chunk recovery with one request", s)
	}
}

func TestPrune(t *testing.T) {
	vs := testValidators(4)
	svc, store := newService(t, storeTransport{}, vs.At(0))

	payload := []byte("short-lived candidate")

	c, err := svc.EncodeAndStore(payload, vs, 0)
	if err != nil {
		t.Fatalf("EncodeAndStore failed: %v", err)
	}

	receipt := &candidate.Receipt{
		PayloadDigest: c.PayloadDigest,
		ErasureRoot:   c.ErasureRoot,
		TotalShards:   c.Total,
		Validators:    vs,
	}

	if _, err := svc.Recover(context.Background(), receipt); err != nil {
		t.Fatalf("Recover before Prune failed: %v", err)
	}

	if err := svc.Prune(c.PayloadDigest); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}

	if p, _ := store.GetPayload(c.PayloadDigest); p != nil {
		t.Error("payload survived Prune")
	}

	if _, err := svc.Recover(context.Background(), receipt); !errors.Is(err, recovery.ErrRecoveryExhausted) {
		t.Errorf("Recover after Prune error = %v, want ErrRecoveryExhausted", err)
	}
}
