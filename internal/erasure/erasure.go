// Package erasure implements the systematic Reed-Solomon code used to spread
// a payload over one shard per validator.
//
// A payload is framed with its true length, padded, and split into
// Threshold(total) data shards followed by total-Threshold(total) parity
// shards. Any Threshold(total) distinct shards reconstruct the payload.
package erasure

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"
)

const (
	// MaxShards is the largest supported shard count (GF(2^16) limit).
	MaxShards = 65536

	// lengthPrefixSize is the size of the big-endian payload length header.
	lengthPrefixSize = 8

	// gf8Limit is the largest shard count served by the GF(2^8) codec.
	// Above it the library switches to Leopard GF(2^16), which needs
	// shard sizes aligned to leopardAlign bytes.
	gf8Limit     = 256
	leopardAlign = 64
)

var (
	ErrInvalidTotal       = errors.New("invalid shard total")
	ErrInsufficientShards = errors.New("insufficient shards")
	ErrInconsistentShards = errors.New("inconsistent shard lengths")
	ErrInvalidIndex       = errors.New("shard index out of range")
	ErrCorruptShards      = errors.New("shards are corrupt")
)

// CodingError describes a failed encode or reconstruct call.
// Err is one of the sentinel errors of this package.
type CodingError struct {
	Op  string // Op is "encode" or "reconstruct"
	Err error  // Err is the underlying cause
}

func (e *CodingError) Error() string {
	return fmt.Sprintf("erasure %s: %v", e.Op, e.Err)
}

func (e *CodingError) Unwrap() error {
	return e.Err
}

// codingErr builds a CodingError wrapping a sentinel with extra detail.
func codingErr(op string, sentinel error, format string, args ...any) *CodingError {
	return &CodingError{
		Op:  op,
		Err: fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)),
	}
}

// encoders caches one reedsolomon.Encoder per shard total.
// Encoders are safe for concurrent use.
var encoders sync.Map // map[int]reedsolomon.Encoder

// Threshold returns the number of shards required to reconstruct a payload
// spread over total shards: floor((total-1)/3) + 1.
func Threshold(total int) (int, error) {
	if total < 1 || total > MaxShards {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTotal, total)
	}

	return (total-1)/3 + 1, nil
}

// ShardSize returns the length of every shard produced by Encode for a
// payload of payloadLen bytes.
func ShardSize(payloadLen, total int) (int, error) {
	k, err := Threshold(total)
	if err != nil {
		return 0, err
	}

	return shardSize(payloadLen+lengthPrefixSize, k, total), nil
}

// shardSize computes the per-shard length for framedLen bytes over k data shards.
func shardSize(framedLen, k, total int) int {
	size := (framedLen + k - 1) / k

	if total > gf8Limit {
		size = (size + leopardAlign - 1) / leopardAlign * leopardAlign
	}

	return size
}

// encoder returns the cached encoder for total shards.
func encoder(total, k int) (reedsolomon.Encoder, error) {
	if enc, ok := encoders.Load(total); ok {
		return enc.(reedsolomon.Encoder), nil
	}

	enc, err := reedsolomon.New(k, total-k)
	if err != nil {
		return nil, err
	}

	actual, _ := encoders.LoadOrStore(total, enc)

	return actual.(reedsolomon.Encoder), nil
}

// Encode splits payload into total shards. The result is deterministic.
// Shards share one backing buffer; callers must not append to them.
func Encode(payload []byte, total int) ([][]byte, error) {
	k, err := Threshold(total)
	if err != nil {
		return nil, &CodingError{Op: "encode", Err: err}
	}

	size := shardSize(len(payload)+lengthPrefixSize, k, total)

	buf := make([]byte, size*total)
	binary.BigEndian.PutUint64(buf[:lengthPrefixSize], uint64(len(payload)))
	copy(buf[lengthPrefixSize:], payload)

	shards := make([][]byte, total)
	for i := range shards {
		shards[i] = buf[i*size : (i+1)*size : (i+1)*size]
	}

	// A single shard is the framed payload itself.
	if total == k {
		return shards, nil
	}

	enc, err := encoder(total, k)
	if err != nil {
		return nil, &CodingError{Op: "encode", Err: err}
	}

	if err := enc.Encode(shards); err != nil {
		return nil, &CodingError{Op: "encode", Err: err}
	}

	return shards, nil
}

// Reconstruct recovers the payload from a set of shards keyed by index.
// It needs at least Threshold(total) shards of one common length. When more
// than the threshold is supplied the whole code word is rebuilt and its
// parity checked, so a mutually inconsistent set is reported as
// ErrCorruptShards. The input shards are not modified.
func Reconstruct(total int, shards map[int][]byte) ([]byte, error) {
	const op = "reconstruct"

	k, err := Threshold(total)
	if err != nil {
		return nil, &CodingError{Op: op, Err: err}
	}

	if len(shards) < k {
		return nil, codingErr(op, ErrInsufficientShards, "have %d, need %d", len(shards), k)
	}

	size := -1
	for idx, s := range shards {
		if idx < 0 || idx >= total {
			return nil, codingErr(op, ErrInvalidIndex, "index %d, total %d", idx, total)
		}

		if size == -1 {
			size = len(s)
		}

		if len(s) != size {
			return nil, codingErr(op, ErrInconsistentShards, "shard %d has %d bytes, want %d", idx, len(s), size)
		}
	}

	minSize := (lengthPrefixSize + k - 1) / k
	if size < minSize || (total > gf8Limit && size%leopardAlign != 0) {
		return nil, codingErr(op, ErrInconsistentShards, "invalid shard size %d", size)
	}

	work := make([][]byte, total)
	for idx, s := range shards {
		cp := make([]byte, size)
		copy(cp, s)
		work[idx] = cp
	}

	if total > k {
		if err := rebuild(work, total, k, len(shards) > k); err != nil {
			return nil, &CodingError{Op: op, Err: err}
		}
	}

	return unframe(work[:k], size)
}

// rebuild fills the missing shards of work. With a surplus of shards it
// rebuilds the parity too and verifies the code word.
func rebuild(work [][]byte, total, k int, surplus bool) error {
	enc, err := encoder(total, k)
	if err != nil {
		return err
	}

	if !surplus {
		if err := enc.ReconstructData(work); err != nil {
			return mapLibErr(err)
		}

		return nil
	}

	if err := enc.Reconstruct(work); err != nil {
		return mapLibErr(err)
	}

	ok, err := enc.Verify(work)
	if err != nil {
		return mapLibErr(err)
	}

	if !ok {
		return fmt.Errorf("%w: parity check failed", ErrCorruptShards)
	}

	return nil
}

// mapLibErr translates reedsolomon errors into this package's sentinels.
func mapLibErr(err error) error {
	switch {
	case errors.Is(err, reedsolomon.ErrTooFewShards):
		return fmt.Errorf("%w: %v", ErrInsufficientShards, err)
	case errors.Is(err, reedsolomon.ErrShardSize), errors.Is(err, reedsolomon.ErrShardNoData):
		return fmt.Errorf("%w: %v", ErrInconsistentShards, err)
	default:
		return fmt.Errorf("%w: %v", ErrCorruptShards, err)
	}
}

// unframe joins the data shards and strips the length header and padding.
func unframe(data [][]byte, size int) ([]byte, error) {
	const op = "reconstruct"

	joined := make([]byte, 0, len(data)*size)
	for _, s := range data {
		joined = append(joined, s...)
	}

	n := binary.BigEndian.Uint64(joined[:lengthPrefixSize])
	body := joined[lengthPrefixSize:]

	if n > uint64(len(body)) {
		return nil, codingErr(op, ErrCorruptShards, "declared length %d exceeds %d", n, len(body))
	}

	for _, b := range body[n:] {
		if b != 0 {
			return nil, codingErr(op, ErrCorruptShards, "non-zero padding")
		}
	}

	return body[:n:n], nil
}
