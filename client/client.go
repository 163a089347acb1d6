// Package client talks to a Shardkeep node over its HTTP API.
package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"Shardkeep/internal/api"
	"Shardkeep/internal/candidate"
)

// Client connects to a Shardkeep node via HTTP.
type Client struct {
	baseURL string       // baseURL is the node's HTTP root (e.g. "http://127.0.0.1:8080")
	http    *http.Client // http sends the requests
}

// NewClient creates a client for the node at nodeAddr ("host:port").
func NewClient(nodeAddr string) *Client {
	return &Client{
		baseURL: "http://" + nodeAddr,
		http:    &http.Client{Timeout: 3 * time.Minute},
	}
}

// Health checks that the node answers.
func (c *Client) Health(ctx context.Context) error {
	var resp map[string]string

	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, http.StatusOK, &resp); err != nil {
		return fmt.Errorf("health:\n%w", err)
	}

	if resp["status"] != "ok" {
		return fmt.Errorf("health: status %q", resp["status"])
	}

	return nil
}

// Store asks the node to encode and store payload over validators.
// ownIndex is the node's position in validators, or -1.
func (c *Client) Store(ctx context.Context, payload []byte, validators []candidate.Hash, ownIndex int) (*api.CommitmentResponse, error) {
	return c.store(ctx, api.StoreRequest{
		Payload:    payload,
		Validators: hexList(validators),
		OwnIndex:   ownIndex,
	})
}

// MakeAvailable is Store for a payload whose erasure root is already known.
// The node refuses the payload if its encoding yields a different root.
func (c *Client) MakeAvailable(ctx context.Context, payload []byte, validators []candidate.Hash, ownIndex int, root candidate.Hash) (*api.CommitmentResponse, error) {
	return c.store(ctx, api.StoreRequest{
		Payload:     payload,
		Validators:  hexList(validators),
		OwnIndex:    ownIndex,
		ErasureRoot: root.String(),
	})
}

func (c *Client) store(ctx context.Context, req api.StoreRequest) (*api.CommitmentResponse, error) {
	var resp api.CommitmentResponse

	if err := c.doJSON(ctx, http.MethodPost, "/candidates", req, http.StatusCreated, &resp); err != nil {
		return nil, fmt.Errorf("store:\n%w", err)
	}

	return &resp, nil
}

// Recover asks the node to return the payload described by receipt.
func (c *Client) Recover(ctx context.Context, receipt *candidate.Receipt) ([]byte, error) {
	req := api.RecoverRequest{
		Digest:  receipt.PayloadDigest.String(),
		Root:    receipt.ErasureRoot.String(),
		Total:   receipt.TotalShards,
		Backers: hexList(receipt.Backers),
	}

	if receipt.Validators != nil {
		req.Validators = hexList(receipt.Validators.Validators())
	}

	payload, err := c.do(ctx, http.MethodPost, "/recover", req, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("recover %s:\n%w", receipt.PayloadDigest.Short(), err)
	}

	if candidate.Digest(payload) != receipt.PayloadDigest {
		return nil, fmt.Errorf("recover %s: node returned payload with wrong digest", receipt.PayloadDigest.Short())
	}

	return payload, nil
}

// Prune asks the node to forget a candidate.
func (c *Client) Prune(ctx context.Context, digest candidate.Hash) error {
	if _, err := c.do(ctx, http.MethodDelete, "/candidates/"+digest.String(), nil, http.StatusNoContent); err != nil {
		return fmt.Errorf("prune %s:\n%w", digest.Short(), err)
	}

	return nil
}

// Candidates lists the digests the node holds.
func (c *Client) Candidates(ctx context.Context) ([]candidate.Hash, error) {
	var raw []string

	if err := c.doJSON(ctx, http.MethodGet, "/candidates", nil, http.StatusOK, &raw); err != nil {
		return nil, fmt.Errorf("candidates:\n%w", err)
	}

	out := make([]candidate.Hash, len(raw))
	for i, s := range raw {
		h, err := candidate.ParseHash(s)
		if err != nil {
			return nil, fmt.Errorf("candidates:\n%w", err)
		}
		out[i] = h
	}

	return out, nil
}

// Stats returns the node's recovery counters.
func (c *Client) Stats(ctx context.Context) (*api.StatsResponse, error) {
	var resp api.StatsResponse

	if err := c.doJSON(ctx, http.MethodGet, "/stats", nil, http.StatusOK, &resp); err != nil {
		return nil, fmt.Errorf("stats:\n%w", err)
	}

	return &resp, nil
}

// hexList encodes hashes as hex strings.
func hexList(hashes []candidate.Hash) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.String()
	}

	return out
}
