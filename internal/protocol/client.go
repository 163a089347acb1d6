package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"Shardkeep/internal/candidate"
	"Shardkeep/internal/codec"
	"Shardkeep/internal/network"
)

var (
	ErrNotConnected = errors.New("participant not connected")
	ErrNotFound     = errors.New("payload not held by participant")
	ErrRemote       = errors.New("remote error")
	ErrSizeMismatch = errors.New("payload size mismatch")
)

// Client fetches payloads and chunks from connected participants. It
// implements recovery.Transport.
type Client struct {
	node   *network.Node // node holds the QUIC connections
	nextID atomic.Uint64 // nextID numbers outgoing requests
}

// NewClient creates a Client over node.
func NewClient(node *network.Node) *Client {
	return &Client{node: node}
}

// RequestFull asks a backer for a whole payload.
func (c *Client) RequestFull(ctx context.Context, participant, digest candidate.Hash) ([]byte, error) {
	id := c.nextID.Add(1)
	req := &FullRequest{Header: Header{Type: TypeFullRequest, ID: id}, Digest: digest}

	data, err := c.roundTrip(ctx, participant, req)
	if err != nil {
		return nil, err
	}

	var resp FullResponse
	if err := c.decode(data, TypeFullResponse, id, &resp); err != nil {
		return nil, err
	}

	if !resp.Found {
		return nil, ErrNotFound
	}

	payload, err := codec.Decompress(resp.Payload)
	if err != nil {
		return nil, fmt.Errorf("decompress payload:\n%w", err)
	}

	if len(payload) != resp.Size {
		return nil, fmt.Errorf("%w: got %d, declared %d", ErrSizeMismatch, len(payload), resp.Size)
	}

	return payload, nil
}

// RequestChunk asks a participant for one chunk. It returns nil, nil when
// the participant does not hold it.
func (c *Client) RequestChunk(ctx context.Context, participant, digest candidate.Hash, index uint32) (*candidate.ErasureChunk, error) {
	id := c.nextID.Add(1)
	req := &ChunkRequest{Header: Header{Type: TypeChunkRequest, ID: id}, Digest: digest, Index: index}

	data, err := c.roundTrip(ctx, participant, req)
	if err != nil {
		return nil, err
	}

	var resp ChunkResponse
	if err := c.decode(data, TypeChunkResponse, id, &resp); err != nil {
		return nil, err
	}

	if !resp.Found {
		return nil, nil
	}

	return &candidate.ErasureChunk{Index: resp.Index, Chunk: resp.Chunk, Proof: resp.Proof}, nil
}

// roundTrip sends req to participant and returns the raw response.
func (c *Client) roundTrip(ctx context.Context, participant candidate.Hash, req any) ([]byte, error) {
	peer := c.node.GetPeer(participant[:])
	if peer == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, participant.Short())
	}

	data, err := Encode(req)
	if err != nil {
		return nil, err
	}

	return peer.Request(ctx, data)
}

// decode checks the response header and decodes it into resp.
func (c *Client) decode(data []byte, want uint8, id uint64, resp any) error {
	hdr, err := PeekHeader(data)
	if err != nil {
		return err
	}

	if hdr.Type == TypeError {
		var e ErrorResponse
		if err := Decode(data, TypeError, &e); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrRemote, e.Reason)
	}

	if hdr.ID != id {
		return fmt.Errorf("%w: id %d, want %d", ErrUnexpectedResponse, hdr.ID, id)
	}

	return Decode(data, want, resp)
}
