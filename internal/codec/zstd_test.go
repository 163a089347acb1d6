package codec

import (
	"bytes"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("x"), bytes.Repeat([]byte("block data "), 5000)} {
		compressed, err := Compress(data)
		if err != nil {
			t.Fatalf("Compress: %v", err)
		}

		got, err := Decompress(compressed)
		if err != nil {
			t.Fatalf("Decompress: %v", err)
		}

		if !bytes.Equal(got, data) {
			t.Errorf("round trip mismatch for %d bytes", len(data))
		}
	}
}

func TestDecompressGarbage(t *testing.T) {
	if _, err := Decompress([]byte("not zstd at all")); err == nil {
		t.Error("expected error for garbage input")
	}
}
