// Package protocol defines the request/response messages peers exchange to
// fetch full payloads and erasure chunks, the handler that serves them from
// the local store, and the client the recovery engine uses to ask for them.
package protocol

import (
	"errors"
	"fmt"

	"Shardkeep/internal/candidate"
	"Shardkeep/internal/codec"
	"Shardkeep/internal/merkle"
)

// Message types.
const (
	TypeFullRequest   uint8 = 0x01 // Request for a full payload
	TypeFullResponse  uint8 = 0x02 // Full payload or not-found
	TypeChunkRequest  uint8 = 0x03 // Request for one erasure chunk
	TypeChunkResponse uint8 = 0x04 // Chunk with proof or not-found
	TypeError         uint8 = 0x05 // Request could not be served
)

var (
	ErrUnknownType        = errors.New("unknown message type")
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// Header starts every message.
type Header struct {
	Type uint8  `cbor:"t"`  // Type is one of the Type constants
	ID   uint64 `cbor:"id"` // ID correlates a response with its request
}

// FullRequest asks a backer for a whole payload.
type FullRequest struct {
	Header
	Digest candidate.Hash `cbor:"d"` // Digest identifies the payload
}

// FullResponse carries a zstd-compressed payload.
type FullResponse struct {
	Header
	Found   bool   `cbor:"f"` // Found is false when the peer lacks the payload
	Size    int    `cbor:"s"` // Size is the uncompressed length
	Payload []byte `cbor:"p"` // Payload is the compressed payload
}

// ChunkRequest asks a participant for the chunk at Index.
type ChunkRequest struct {
	Header
	Digest candidate.Hash `cbor:"d"` // Digest identifies the payload
	Index  uint32         `cbor:"i"` // Index is the shard position
}

// ChunkResponse carries one chunk with its inclusion proof.
type ChunkResponse struct {
	Header
	Found bool         `cbor:"f"` // Found is false when the peer lacks the chunk
	Index uint32       `cbor:"i"` // Index is the shard position
	Chunk []byte       `cbor:"c"` // Chunk is the shard bytes
	Proof merkle.Proof `cbor:"p"` // Proof binds the chunk to the erasure root
}

// ErrorResponse reports a request the peer could not serve.
type ErrorResponse struct {
	Header
	Reason string `cbor:"r"` // Reason is a human-readable cause
}

// Encode serializes a message.
func Encode(msg any) ([]byte, error) {
	data, err := codec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message:\n%w", err)
	}

	return data, nil
}

// PeekHeader decodes only the header of a message.
func PeekHeader(data []byte) (Header, error) {
	var h Header
	if err := codec.Unmarshal(data, &h); err != nil {
		return Header{}, fmt.Errorf("decode header:\n%w", err)
	}

	return h, nil
}

// Decode decodes data into msg and checks its type.
func Decode(data []byte, want uint8, msg any) error {
	if err := codec.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("decode message:\n%w", err)
	}

	h, err := PeekHeader(data)
	if err != nil {
		return err
	}

	if h.Type != want {
		return fmt.Errorf("%w: type 0x%02x, want 0x%02x", ErrUnexpectedResponse, h.Type, want)
	}

	return nil
}
