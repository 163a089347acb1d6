package merkle

import (
	"errors"
	"fmt"
	"testing"
)

// makeChunks returns n distinct chunks.
func makeChunks(n int) [][]byte {
	chunks := make([][]byte, n)
	for i := range chunks {
		chunks[i] = []byte(fmt.Sprintf("chunk-%03d-payload-bytes", i))
	}
	return chunks
}

func TestDepth(t *testing.T) {
	cases := map[int]int{0: 0, 1: 0, 2: 1, 3: 2, 4: 2, 5: 3, 8: 3, 9: 4, 13: 4, 1000: 10}

	for total, want := range cases {
		if got := Depth(total); got != want {
			t.Errorf("Depth(%d) = %d, want %d", total, got, want)
		}
	}
}

// TestProofsVerify checks every leaf proof for a range of tree sizes.
func TestProofsVerify(t *testing.T) {
	for total := 1; total <= 33; total++ {
		chunks := makeChunks(total)
		tree := Build(chunks)
		root := tree.Root()

		if tree.Len() != total {
			t.Fatalf("Len() = %d, want %d", tree.Len(), total)
		}

		for i := 0; i < total; i++ {
			proof, err := tree.Proof(i)
			if err != nil {
				t.Fatalf("Proof(%d) of %d: %v", i, total, err)
			}

			if len(proof) != Depth(total) {
				t.Fatalf("proof length %d, want %d", len(proof), Depth(total))
			}

			if err := VerifyProof(root, total, i, chunks[i], proof); err != nil {
				t.Fatalf("total=%d index=%d: %v", total, i, err)
			}
		}
	}
}

func TestRootMatchesBuild(t *testing.T) {
	chunks := makeChunks(13)

	if Root(chunks) != Build(chunks).Root() {
		t.Error("Root and Build disagree")
	}

	other := makeChunks(13)
	other[12] = []byte("different")

	if Root(chunks) == Root(other) {
		t.Error("different shard sets share a root")
	}
}

// TestRejectTamperedChunk flips every bit of a chunk in turn.
func TestRejectTamperedChunk(t *testing.T) {
	chunks := makeChunks(13)
	tree := Build(chunks)
	root := tree.Root()

	proof, err := tree.Proof(6)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}

	for bit := 0; bit < len(chunks[6])*8; bit++ {
		tampered := append([]byte(nil), chunks[6]...)
		tampered[bit/8] ^= 1 << (bit % 8)

		if Verify(root, 13, 6, tampered, proof) {
			t.Fatalf("accepted chunk with bit %d flipped", bit)
		}
	}
}

// TestRejectTamperedProof flips one bit in each sibling hash.
func TestRejectTamperedProof(t *testing.T) {
	chunks := makeChunks(10)
	tree := Build(chunks)
	root := tree.Root()

	proof, err := tree.Proof(3)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}

	for i := range proof {
		bad := append(Proof(nil), proof...)
		bad[i][31] ^= 0x80

		if err := VerifyProof(root, 10, 3, chunks[3], bad); !errors.Is(err, ErrRootMismatch) {
			t.Errorf("sibling %d tampered: error = %v, want ErrRootMismatch", i, err)
		}
	}
}

func TestRejectWrongIndex(t *testing.T) {
	chunks := makeChunks(8)
	tree := Build(chunks)
	root := tree.Root()

	proof, err := tree.Proof(2)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}

	for idx := 0; idx < 8; idx++ {
		if idx == 2 {
			continue
		}

		if Verify(root, 8, idx, chunks[2], proof) {
			t.Errorf("chunk 2 accepted at index %d", idx)
		}
	}

	if err := VerifyProof(root, 8, 8, chunks[2], proof); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("index 8: error = %v, want ErrIndexOutOfRange", err)
	}
}

// TestRejectDuplicatedLeafIndex ensures the padding duplicate of the last
// leaf cannot be claimed at the phantom index.
func TestRejectDuplicatedLeafIndex(t *testing.T) {
	chunks := makeChunks(5)
	tree := Build(chunks)

	proof, err := tree.Proof(4)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}

	if Verify(tree.Root(), 6, 5, chunks[4], proof) {
		t.Error("phantom index accepted")
	}
}

func TestRejectOtherRoot(t *testing.T) {
	chunks := makeChunks(7)
	tree := Build(chunks)

	proof, err := tree.Proof(0)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}

	otherRoot := Root(makeChunks(8))

	if Verify(otherRoot, 7, 0, chunks[0], proof) {
		t.Error("proof accepted against another root")
	}
}

func TestRejectProofLength(t *testing.T) {
	chunks := makeChunks(9)
	tree := Build(chunks)

	proof, err := tree.Proof(1)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}

	if err := VerifyProof(tree.Root(), 9, 1, chunks[1], proof[:len(proof)-1]); !errors.Is(err, ErrProofLength) {
		t.Errorf("short proof: error = %v, want ErrProofLength", err)
	}

	long := append(append(Proof(nil), proof...), Hash{})
	if err := VerifyProof(tree.Root(), 9, 1, chunks[1], long); !errors.Is(err, ErrProofLength) {
		t.Errorf("long proof: error = %v, want ErrProofLength", err)
	}
}

func TestProofOutOfRange(t *testing.T) {
	tree := Build(makeChunks(4))

	if _, err := tree.Proof(4); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("error = %v, want ErrIndexOutOfRange", err)
	}

	if _, err := tree.Proof(-1); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("error = %v, want ErrIndexOutOfRange", err)
	}
}
