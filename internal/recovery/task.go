package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"Shardkeep/internal/candidate"
	"Shardkeep/internal/erasure"
	"Shardkeep/internal/logger"
	"Shardkeep/internal/merkle"
)

var (
	errDigestMismatch = errors.New("reconstructed payload digest mismatch")
	errRootMismatch   = errors.New("re-encoded erasure root mismatch")
)

// phase is the stage a task is in.
type phase int

const (
	phaseLocal phase = iota
	phaseFastPath
	phaseChunks
	phaseReconstruct
)

func (p phase) String() string {
	switch p {
	case phaseLocal:
		return "local"
	case phaseFastPath:
		return "fast-path"
	case phaseChunks:
		return "chunks"
	case phaseReconstruct:
		return "reconstruct"
	default:
		return "unknown"
	}
}

// chunkResult is what a chunk request goroutine reports back.
type chunkResult struct {
	participant candidate.Hash          // participant is who was asked
	index       uint32                  // index is the shard that was asked for
	chunk       *candidate.ErasureChunk // chunk is the answer, nil on error
	err         error                   // err is the transport failure
}

// task is one recovery of one candidate. Its fields are owned by the
// goroutine running it; request goroutines only talk to it through the
// results channel.
type task struct {
	r         *Recoverer
	receipt   *candidate.Receipt
	digest    candidate.Hash
	root      candidate.Hash
	total     int
	threshold int
	target    int // target is the verified-chunk count to reconstruct from
	phase     phase
	log       *slog.Logger

	verified   []*candidate.ErasureChunk // verified holds accepted chunks in arrival order
	seen       map[uint32]bool           // seen marks indices accepted or discarded
	invalid    int                       // invalid counts chunks that failed verification
	failed     int                       // failed counts transport failures
	mismatches int                       // mismatches counts failed reconstruction rounds
}

func newTask(r *Recoverer, receipt *candidate.Receipt) *task {
	threshold, _ := erasure.Threshold(receipt.TotalShards)

	return &task{
		r:         r,
		receipt:   receipt,
		digest:    receipt.PayloadDigest,
		root:      receipt.ErasureRoot,
		total:     receipt.TotalShards,
		threshold: threshold,
		target:    threshold,
		phase:     phaseLocal,
		log:       logger.With("candidate", receipt.PayloadDigest.Short()),
		seen:      make(map[uint32]bool, receipt.TotalShards),
	}
}

// run drives the task through its phases.
func (t *task) run(ctx context.Context) ([]byte, error) {
	if payload := t.localPayload(); payload != nil {
		t.r.stats.local.Add(1)
		return payload, nil
	}

	if !t.r.cfg.SkipFastPath && len(t.receipt.Backers) > 0 {
		t.phase = phaseFastPath

		if payload := t.fastPath(ctx); payload != nil {
			t.r.stats.fastPath.Add(1)
			return payload, nil
		}

		if ctx.Err() != nil {
			return nil, t.contextError(ctx)
		}

		t.log.Debug("fast path failed, falling back to chunks")
	}

	t.phase = phaseChunks
	t.seedOwnChunk()

	payload, err := t.recoverChunks(ctx)
	if err != nil {
		return nil, err
	}

	t.r.stats.chunks.Add(1)

	return payload, nil
}

// localPayload returns the payload if this node already stores it.
func (t *task) localPayload() []byte {
	if t.r.local == nil {
		return nil
	}

	payload, err := t.r.local.GetPayload(t.digest)
	if err != nil {
		t.log.Debug("local payload read failed", "error", err)
		return nil
	}

	if payload == nil || candidate.Digest(payload) != t.digest {
		return nil
	}

	return payload
}

// seedOwnChunk accepts this node's own shard from the local store.
func (t *task) seedOwnChunk() {
	if t.r.local == nil || t.r.self.IsZero() {
		return
	}

	pos := t.receipt.Validators.Index(t.r.self)
	if pos < 0 {
		return
	}

	chunk, err := t.r.local.GetChunk(t.digest, uint32(pos))
	if err != nil || chunk == nil {
		return
	}

	if chunk.Index != uint32(pos) || chunk.Verify(t.root, t.total) != nil {
		t.log.Warn("own chunk failed verification", "index", pos)
		return
	}

	t.accept(chunk)
}

// fastPath asks backers for the full payload, a few at a time, and returns
// the first one whose digest matches. The remaining requests are canceled.
func (t *task) fastPath(ctx context.Context) []byte {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.r.cfg.FastPathParallelism)

	var (
		once   sync.Once
		result []byte
		asked  = make(map[candidate.Hash]bool, len(t.receipt.Backers))
	)

	for _, backer := range t.receipt.Backers {
		if backer == t.r.self || asked[backer] {
			continue
		}

		if gctx.Err() != nil {
			break
		}

		asked[backer] = true

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			payload, err := t.r.fetchFull(gctx, backer, t.digest)
			if err != nil {
				t.log.Debug("full payload request failed", "backer", backer.Short(), "error", err)
				return nil
			}

			if candidate.Digest(payload) != t.digest {
				t.log.Warn("backer sent payload with wrong digest", "backer", backer.Short())
				return nil
			}

			once.Do(func() {
				result = payload
				cancel()
			})

			return nil
		})
	}

	_ = g.Wait()

	return result
}

// recoverChunks fetches verified chunks until the target is reached, then
// reconstructs. Each participant is asked at most once, so a task sends at
// most total-1 chunk requests.
func (t *task) recoverChunks(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	order := requestOrder(t.digest, t.receipt.Validators, t.r.self)
	parallelism := t.r.cfg.ChunkParallelism

	// Sized to the in-flight cap so abandoned senders never block.
	results := make(chan chunkResult, parallelism)

	next, inflight := 0, 0

	for {
		if len(t.verified) >= t.target {
			payload, err := t.reconstruct()
			if err == nil {
				return payload, nil
			}

			if rerr := t.mismatch(err); rerr != nil {
				return nil, rerr
			}

			continue
		}

		for inflight < parallelism && next < len(order) && len(t.verified)+inflight < t.target {
			t.launch(ctx, order[next], results)
			next++
			inflight++
		}

		if inflight == 0 {
			// Requests cut short by the task context are not exhaustion.
			if ctx.Err() != nil {
				return nil, t.contextError(ctx)
			}

			return nil, t.exhausted()
		}

		select {
		case res := <-results:
			inflight--
			t.handle(res)

		case <-ctx.Done():
			return nil, t.contextError(ctx)
		}
	}
}

// launch requests the chunk owned by the validator at pos.
func (t *task) launch(ctx context.Context, pos int, results chan<- chunkResult) {
	participant := t.receipt.Validators.At(pos)
	index := uint32(pos)

	go func() {
		chunk, err := t.r.fetchChunk(ctx, participant, t.digest, index)
		results <- chunkResult{participant: participant, index: index, chunk: chunk, err: err}
	}()
}

// handle classifies one chunk response.
func (t *task) handle(res chunkResult) {
	if res.err != nil {
		t.failed++
		t.log.Debug("chunk request failed", "participant", res.participant.Short(), "index", res.index, "error", res.err)
		return
	}

	if res.chunk.Index != res.index {
		t.reject(res, fmt.Errorf("%w: asked for index %d, got %d", ErrVerification, res.index, res.chunk.Index))
		return
	}

	if err := res.chunk.Verify(t.root, t.total); err != nil {
		t.reject(res, fmt.Errorf("%w: %w", ErrVerification, err))
		return
	}

	if t.seen[res.chunk.Index] {
		return
	}

	t.accept(res.chunk)
}

func (t *task) accept(chunk *candidate.ErasureChunk) {
	t.seen[chunk.Index] = true
	t.verified = append(t.verified, chunk)
}

func (t *task) reject(res chunkResult, err error) {
	t.invalid++
	t.r.stats.invalidChunks.Add(1)
	t.log.Warn("rejected chunk", "participant", res.participant.Short(), "index", res.index, "error", err)
}

// reconstruct decodes the first target verified chunks and checks the
// result against both commitments.
func (t *task) reconstruct() ([]byte, error) {
	t.phase = phaseReconstruct

	shards := make(map[int][]byte, t.target)
	for _, c := range t.verified[:t.target] {
		shards[int(c.Index)] = c.Chunk
	}

	payload, err := erasure.Reconstruct(t.total, shards)
	if err != nil {
		return nil, err
	}

	if candidate.Digest(payload) != t.digest {
		return nil, errDigestMismatch
	}

	encoded, err := erasure.Encode(payload, t.total)
	if err != nil {
		return nil, err
	}

	if candidate.Hash(merkle.Root(encoded)) != t.root {
		return nil, errRootMismatch
	}

	return payload, nil
}

// mismatch discards the batch that failed to reconstruct and raises the
// target. It returns the terminal error once the rounds are used up.
func (t *task) mismatch(cause error) error {
	t.mismatches++
	t.r.stats.mismatches.Add(1)

	t.log.Warn("reconstruction mismatch", "round", t.mismatches, "chunks", t.target, "error", cause)

	if t.mismatches >= t.r.cfg.MaxMismatchRounds {
		return &RecoveryError{
			Kind:   KindCommitmentMismatch,
			Digest: t.digest,
			Cause:  fmt.Errorf("%d failed rounds: %w", t.mismatches, cause),
		}
	}

	t.phase = phaseChunks
	t.verified = t.verified[t.target:]
	t.target = min(t.r.cfg.Escalation(t.threshold, t.mismatches), t.total)

	return nil
}

// exhausted builds the error for a task that ran out of participants.
func (t *task) exhausted() error {
	cause := fmt.Errorf("verified %d of %d chunks, %d invalid, %d unreachable",
		len(t.verified), t.target, t.invalid, t.failed)

	if t.mismatches > 0 {
		return &RecoveryError{Kind: KindCommitmentMismatch, Digest: t.digest, Cause: cause}
	}

	return &RecoveryError{Kind: KindExhausted, Digest: t.digest, Cause: cause}
}

// contextError maps a done context to the terminal error.
func (t *task) contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &RecoveryError{
			Kind:   KindExhausted,
			Digest: t.digest,
			Cause:  fmt.Errorf("%w with %d of %d chunks: %w", ErrDeadline, len(t.verified), t.target, ctx.Err()),
		}
	}

	return &RecoveryError{Kind: KindCanceled, Digest: t.digest, Cause: ctx.Err()}
}
