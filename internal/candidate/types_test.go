package candidate

import (
	"errors"
	"testing"

	"Shardkeep/internal/erasure"
	"Shardkeep/internal/merkle"
)

// makeValidators creates a ValidatorSet with n validators.
func makeValidators(n int) *ValidatorSet {
	validators := make([]Hash, n)
	for i := range validators {
		validators[i][0] = byte(i)
		validators[i][1] = byte(i >> 8)
		validators[i][31] = 0x5A
	}

	return NewValidatorSet(validators)
}

func TestValidatorSetIndex(t *testing.T) {
	vs := makeValidators(10)

	if vs.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", vs.Len())
	}

	for i := 0; i < vs.Len(); i++ {
		if got := vs.Index(vs.At(i)); got != i {
			t.Errorf("Index(At(%d)) = %d", i, got)
		}
	}

	if vs.Index(Hash{0xFF}) != -1 {
		t.Error("unknown validator has an index")
	}

	if vs.Contains(Hash{0xFF}) {
		t.Error("unknown validator reported as member")
	}

	copied := vs.Validators()
	copied[0] = Hash{}

	if vs.At(0) == (Hash{}) {
		t.Error("Validators() exposed internal slice")
	}
}

func TestReceiptValidate(t *testing.T) {
	vs := makeValidators(7)

	good := Receipt{
		PayloadDigest: Digest([]byte("payload")),
		ErasureRoot:   Hash{1},
		TotalShards:   7,
		Validators:    vs,
	}

	if err := good.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	noSet := good
	noSet.Validators = nil
	if err := noSet.Validate(); !errors.Is(err, ErrNoValidators) {
		t.Errorf("error = %v, want ErrNoValidators", err)
	}

	wrongTotal := good
	wrongTotal.TotalShards = 8
	if err := wrongTotal.Validate(); !errors.Is(err, ErrTotalMismatch) {
		t.Errorf("error = %v, want ErrTotalMismatch", err)
	}

	noRoot := good
	noRoot.ErasureRoot = Hash{}
	if err := noRoot.Validate(); !errors.Is(err, ErrMissingCommitted) {
		t.Errorf("error = %v, want ErrMissingCommitted", err)
	}
}

// TestErasureChunkVerify checks chunk verification against an encoded payload.
func TestErasureChunkVerify(t *testing.T) {
	shards, err := erasure.Encode([]byte("some candidate payload"), 5)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	tree := merkle.Build(shards)
	root := Hash(tree.Root())

	proof, err := tree.Proof(3)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}

	chunk := &ErasureChunk{Index: 3, Chunk: shards[3], Proof: proof}
	if err := chunk.Verify(root, 5); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	chunk.Index = 2
	if err := chunk.Verify(root, 5); err == nil {
		t.Error("chunk accepted at wrong index")
	}
}

func TestHashString(t *testing.T) {
	h := Hash{0xAB, 0xCD, 0xEF, 0x01, 0x23}

	if h.Short() != "abcdef01" {
		t.Errorf("Short() = %s", h.Short())
	}

	if len(h.String()) != 64 {
		t.Errorf("String() length = %d", len(h.String()))
	}

	if !(Hash{}).IsZero() || h.IsZero() {
		t.Error("IsZero mismatch")
	}
}

func TestParseHash(t *testing.T) {
	h := Digest([]byte("round trip"))

	got, err := ParseHash(h.String())
	if err != nil || got != h {
		t.Fatalf("ParseHash(String()) = %s, %v", got.Short(), err)
	}

	for _, bad := range []string{"", "zz", h.String()[:62], h.String() + "00"} {
		if _, err := ParseHash(bad); !errors.Is(err, ErrInvalidHash) {
			t.Errorf("ParseHash(%q) error = %v, want ErrInvalidHash", bad, err)
		}
	}
}
