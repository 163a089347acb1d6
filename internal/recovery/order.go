package recovery

import (
	"bytes"
	"sort"

	"github.com/zeebo/blake3"

	"Shardkeep/internal/candidate"
)

// scoredValidator pairs a validator position with its rendezvous score.
type scoredValidator struct {
	index int      // index is the validator's position in the set
	score [32]byte // score is BLAKE3(digest || pubkey)
}

// requestOrder returns the validator positions to ask for chunks, highest
// rendezvous score first. The order is a deterministic function of the
// digest, so different candidates spread their load over different
// validators. self is left out.
func requestOrder(digest candidate.Hash, vs *candidate.ValidatorSet, self candidate.Hash) []int {
	scored := make([]scoredValidator, 0, vs.Len())

	for i := 0; i < vs.Len(); i++ {
		v := vs.At(i)
		if v == self {
			continue
		}

		scored = append(scored, scoredValidator{index: i, score: computeScore(digest, v)})
	}

	sort.Slice(scored, func(i, j int) bool {
		return bytes.Compare(scored[i].score[:], scored[j].score[:]) > 0
	})

	order := make([]int, len(scored))
	for i, s := range scored {
		order[i] = s.index
	}

	return order
}

// computeScore calculates the rendezvous score for a candidate-validator pair.
func computeScore(digest, validator candidate.Hash) [32]byte {
	h := blake3.New()
	h.Write(digest[:])
	h.Write(validator[:])

	var result [32]byte
	h.Sum(result[:0])

	return result
}
