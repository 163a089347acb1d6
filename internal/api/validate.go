package api

import (
	"fmt"

	"Shardkeep/internal/candidate"
)

const (
	// maxValidators bounds the validator list of a single request.
	maxValidators = 1 << 16
)

// StoreRequest asks the node to encode and store a payload.
// OwnIndex is the node's position in Validators, or -1 if it is not a
// validator. A non-empty ErasureRoot makes the node refuse the payload
// unless its own encoding yields the same root.
type StoreRequest struct {
	Payload     []byte   `json:"payload"`
	Validators  []string `json:"validators"`
	OwnIndex    int      `json:"own_index"`
	ErasureRoot string   `json:"erasure_root,omitempty"`
}

// CommitmentResponse describes a stored payload.
type CommitmentResponse struct {
	Digest string `json:"digest"`
	Root   string `json:"root"`
	Total  int    `json:"total"`
}

// RecoverRequest is an availability receipt in hex form.
type RecoverRequest struct {
	Digest     string   `json:"digest"`
	Root       string   `json:"root"`
	Total      int      `json:"total"`
	Backers    []string `json:"backers,omitempty"`
	Validators []string `json:"validators"`
}

// StatsResponse reports recovery counters and stored candidates.
type StatsResponse struct {
	Candidates         int    `json:"candidates"`
	Tasks              uint64 `json:"tasks"`
	CacheHits          uint64 `json:"cache_hits"`
	LocalRecoveries    uint64 `json:"local_recoveries"`
	FastPathRecoveries uint64 `json:"fast_path_recoveries"`
	ChunkRecoveries    uint64 `json:"chunk_recoveries"`
	Failures           uint64 `json:"failures"`
	FullRequests       uint64 `json:"full_requests"`
	ChunkRequests      uint64 `json:"chunk_requests"`
	InvalidChunks      uint64 `json:"invalid_chunks"`
	Mismatches         uint64 `json:"mismatches"`
}

// parseHashes decodes a list of hex hashes.
func parseHashes(field string, values []string) ([]candidate.Hash, error) {
	if len(values) > maxValidators {
		return nil, fmt.Errorf("%s: too many entries (%d)", field, len(values))
	}

	hashes := make([]candidate.Hash, len(values))
	for i, v := range values {
		h, err := candidate.ParseHash(v)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", field, i, err)
		}
		hashes[i] = h
	}

	return hashes, nil
}

// validatorSet builds the validator set of a request.
func validatorSet(values []string) (*candidate.ValidatorSet, error) {
	if len(values) == 0 {
		return nil, candidate.ErrNoValidators
	}

	keys, err := parseHashes("validators", values)
	if err != nil {
		return nil, err
	}

	return candidate.NewValidatorSet(keys), nil
}

// toReceipt converts and validates a recover request.
func (r *RecoverRequest) toReceipt() (*candidate.Receipt, error) {
	digest, err := candidate.ParseHash(r.Digest)
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}

	root, err := candidate.ParseHash(r.Root)
	if err != nil {
		return nil, fmt.Errorf("root: %w", err)
	}

	backers, err := parseHashes("backers", r.Backers)
	if err != nil {
		return nil, err
	}

	validators, err := validatorSet(r.Validators)
	if err != nil {
		return nil, err
	}

	receipt := &candidate.Receipt{
		PayloadDigest: digest,
		ErasureRoot:   root,
		TotalShards:   r.Total,
		Backers:       backers,
		Validators:    validators,
	}

	if err := receipt.Validate(); err != nil {
		return nil, err
	}

	return receipt, nil
}
