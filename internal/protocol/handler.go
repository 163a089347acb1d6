package protocol

import (
	"context"
	"fmt"

	"Shardkeep/internal/candidate"
	"Shardkeep/internal/codec"
	"Shardkeep/internal/logger"
	"Shardkeep/internal/network"
)

// Store is what the handler serves from.
type Store interface {
	GetPayload(digest candidate.Hash) ([]byte, error)
	GetChunk(digest candidate.Hash, index uint32) (*candidate.ErasureChunk, error)
}

// Handler answers full-payload and chunk requests from other participants.
type Handler struct {
	store Store // store is the local chunk store
}

// NewHandler creates a Handler over store.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// HandleRequest processes one request and returns the encoded response.
// Designed to be used as network.Node.OnRequest handler.
func (h *Handler) HandleRequest(ctx context.Context, peer *network.Peer, data []byte) ([]byte, error) {
	hdr, err := PeekHeader(data)
	if err != nil {
		return h.errorResponse(0, "malformed request")
	}

	switch hdr.Type {
	case TypeFullRequest:
		var req FullRequest
		if err := Decode(data, TypeFullRequest, &req); err != nil {
			return h.errorResponse(hdr.ID, "malformed full request")
		}
		return h.serveFull(&req)

	case TypeChunkRequest:
		var req ChunkRequest
		if err := Decode(data, TypeChunkRequest, &req); err != nil {
			return h.errorResponse(hdr.ID, "malformed chunk request")
		}
		return h.serveChunk(&req)

	default:
		return h.errorResponse(hdr.ID, fmt.Sprintf("%v 0x%02x", ErrUnknownType, hdr.Type))
	}
}

// serveFull answers a full-payload request.
func (h *Handler) serveFull(req *FullRequest) ([]byte, error) {
	resp := FullResponse{Header: Header{Type: TypeFullResponse, ID: req.ID}}

	payload, err := h.store.GetPayload(req.Digest)
	if err != nil {
		logger.Warn("payload read failed", "candidate", req.Digest.Short(), "error", err)
		return h.errorResponse(req.ID, "store unavailable")
	}

	if payload != nil {
		compressed, err := codec.Compress(payload)
		if err != nil {
			return nil, fmt.Errorf("compress payload:\n%w", err)
		}

		resp.Found = true
		resp.Size = len(payload)
		resp.Payload = compressed
	}

	return Encode(&resp)
}

// serveChunk answers a chunk request.
func (h *Handler) serveChunk(req *ChunkRequest) ([]byte, error) {
	resp := ChunkResponse{Header: Header{Type: TypeChunkResponse, ID: req.ID}, Index: req.Index}

	chunk, err := h.store.GetChunk(req.Digest, req.Index)
	if err != nil {
		logger.Warn("chunk read failed", "candidate", req.Digest.Short(), "index", req.Index, "error", err)
		return h.errorResponse(req.ID, "store unavailable")
	}

	if chunk != nil {
		resp.Found = true
		resp.Chunk = chunk.Chunk
		resp.Proof = chunk.Proof
	}

	return Encode(&resp)
}

// errorResponse builds an ErrorResponse.
func (h *Handler) errorResponse(id uint64, reason string) ([]byte, error) {
	return Encode(&ErrorResponse{Header: Header{Type: TypeError, ID: id}, Reason: reason})
}
