package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"Shardkeep/internal/candidate"
	"Shardkeep/internal/merkle"
)

// newTestStorage creates a temporary storage for testing.
func newTestStorage(t *testing.T) (*Storage, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	s, err := New(filepath.Join(dir, "db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to create storage: %v", err)
	}

	cleanup := func() {
		s.Close()
		os.RemoveAll(dir)
	}

	return s, cleanup
}

// testChunk builds a chunk with a two-element proof.
func testChunk(index uint32) *candidate.ErasureChunk {
	return &candidate.ErasureChunk{
		Index: index,
		Chunk: bytes.Repeat([]byte{byte(index)}, 64),
		Proof: merkle.Proof{{byte(index), 1}, {byte(index), 2}},
	}
}

func TestPutAndGetChunk(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	digest := candidate.Hash{0x01}
	want := testChunk(7)

	if err := s.PutChunks(digest, []*candidate.ErasureChunk{want}); err != nil {
		t.Fatalf("PutChunks failed: %v", err)
	}

	got, err := s.GetChunk(digest, 7)
	if err != nil {
		t.Fatalf("GetChunk failed: %v", err)
	}

	if got == nil {
		t.Fatal("GetChunk returned nil")
	}

	if got.Index != 7 || !bytes.Equal(got.Chunk, want.Chunk) {
		t.Errorf("GetChunk returned %+v, want %+v", got, want)
	}

	if len(got.Proof) != 2 || got.Proof[1] != want.Proof[1] {
		t.Errorf("proof mismatch: %v", got.Proof)
	}
}

func TestGetChunkNonExistent(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	got, err := s.GetChunk(candidate.Hash{0x02}, 0)
	if err != nil {
		t.Fatalf("GetChunk failed: %v", err)
	}

	if got != nil {
		t.Errorf("GetChunk returned %+v, want nil", got)
	}
}

func TestChunkIndices(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	a := candidate.Hash{0x0A}
	b := candidate.Hash{0x0B}

	if err := s.PutChunks(a, []*candidate.ErasureChunk{testChunk(3), testChunk(1), testChunk(300)}); err != nil {
		t.Fatalf("PutChunks failed: %v", err)
	}

	if err := s.PutChunks(b, []*candidate.ErasureChunk{testChunk(2)}); err != nil {
		t.Fatalf("PutChunks failed: %v", err)
	}

	indices, err := s.ChunkIndices(a)
	if err != nil {
		t.Fatalf("ChunkIndices failed: %v", err)
	}

	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	want := []uint32{1, 3, 300}
	if len(indices) != len(want) {
		t.Fatalf("ChunkIndices = %v, want %v", indices, want)
	}

	for i := range want {
		if indices[i] != want[i] {
			t.Errorf("ChunkIndices = %v, want %v", indices, want)
		}
	}
}

func TestPutAndGetPayload(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	payload := bytes.Repeat([]byte("candidate block data "), 1000)
	digest := candidate.Digest(payload)

	if err := s.PutPayload(digest, payload); err != nil {
		t.Fatalf("PutPayload failed: %v", err)
	}

	got, err := s.GetPayload(digest)
	if err != nil {
		t.Fatalf("GetPayload failed: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Error("GetPayload returned different payload")
	}

	missing, err := s.GetPayload(candidate.Hash{0xEE})
	if err != nil {
		t.Fatalf("GetPayload failed: %v", err)
	}

	if missing != nil {
		t.Error("GetPayload returned data for unknown digest")
	}
}

func TestMetaAndCandidates(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	digests := []candidate.Hash{{0x01}, {0x02}, {0x03}}
	for i, d := range digests {
		meta := Meta{ErasureRoot: candidate.Hash{0xAA, byte(i)}, Total: 10 + i, Size: 100 * i}
		if err := s.PutMeta(d, meta); err != nil {
			t.Fatalf("PutMeta failed: %v", err)
		}
	}

	meta, err := s.GetMeta(digests[2])
	if err != nil {
		t.Fatalf("GetMeta failed: %v", err)
	}

	if meta == nil || meta.Total != 12 || meta.Size != 200 || meta.ErasureRoot[1] != 2 {
		t.Errorf("GetMeta returned %+v", meta)
	}

	list, err := s.Candidates()
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}

	if len(list) != len(digests) {
		t.Errorf("Candidates returned %d digests, want %d", len(list), len(digests))
	}
}

// TestDeleteCandidate verifies Delete removes only the given candidate.
func TestDeleteCandidate(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	keep := candidate.Hash{0x01}
	drop := candidate.Hash{0x02}

	for _, d := range []candidate.Hash{keep, drop} {
		if err := s.PutChunks(d, []*candidate.ErasureChunk{testChunk(0), testChunk(5)}); err != nil {
			t.Fatalf("PutChunks failed: %v", err)
		}

		if err := s.PutPayload(d, []byte("payload")); err != nil {
			t.Fatalf("PutPayload failed: %v", err)
		}

		if err := s.PutMeta(d, Meta{Total: 6}); err != nil {
			t.Fatalf("PutMeta failed: %v", err)
		}
	}

	if err := s.Delete(drop); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if c, _ := s.GetChunk(drop, 5); c != nil {
		t.Error("chunk survived Delete")
	}

	if p, _ := s.GetPayload(drop); p != nil {
		t.Error("payload survived Delete")
	}

	if m, _ := s.GetMeta(drop); m != nil {
		t.Error("meta survived Delete")
	}

	if c, _ := s.GetChunk(keep, 5); c == nil {
		t.Error("unrelated candidate lost its chunk")
	}

	if p, _ := s.GetPayload(keep); p == nil {
		t.Error("unrelated candidate lost its payload")
	}
}

// TestReopenPersists verifies data survives Close and New.
func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	digest := candidate.Hash{0x42}
	if err := s.PutChunks(digest, []*candidate.ErasureChunk{testChunk(4)}); err != nil {
		t.Fatalf("PutChunks failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	got, err := s.GetChunk(digest, 4)
	if err != nil || got == nil {
		t.Fatalf("GetChunk after reopen = %v, %v", got, err)
	}
}

func TestPrefixUpperBound(t *testing.T) {
	cases := []struct {
		in   []byte
		want []byte
	}{
		{[]byte("c:"), []byte("c;")},
		{[]byte{0x01, 0xFF}, []byte{0x02}},
		{[]byte{0xFF, 0xFF}, nil},
	}

	for _, c := range cases {
		if got := prefixUpperBound(c.in); !bytes.Equal(got, c.want) {
			t.Errorf("prefixUpperBound(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}
