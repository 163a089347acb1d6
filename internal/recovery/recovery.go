package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"Shardkeep/internal/candidate"
	"Shardkeep/internal/logger"
)

var errNilReceipt = errors.New("nil receipt")

// Transport fetches data from remote participants. Implementations must
// return promptly once ctx is done.
type Transport interface {
	// RequestFull asks a backer for the whole payload.
	RequestFull(ctx context.Context, participant, digest candidate.Hash) ([]byte, error)

	// RequestChunk asks a participant for the chunk at index. A nil chunk
	// with a nil error means the participant does not hold it.
	RequestChunk(ctx context.Context, participant, digest candidate.Hash, index uint32) (*candidate.ErasureChunk, error)
}

// LocalStore is the read side of this node's own chunk store.
type LocalStore interface {
	GetPayload(digest candidate.Hash) ([]byte, error)
	GetChunk(digest candidate.Hash, index uint32) (*candidate.ErasureChunk, error)
}

// Stats is a snapshot of recovery counters.
type Stats struct {
	Tasks              uint64 // Tasks is the number of recovery tasks run
	CacheHits          uint64 // CacheHits counts requests answered from the cache
	LocalRecoveries    uint64 // LocalRecoveries were served from the local store
	FastPathRecoveries uint64 // FastPathRecoveries came from a backer's full payload
	ChunkRecoveries    uint64 // ChunkRecoveries were reconstructed from chunks
	Failures           uint64 // Failures is the number of failed tasks
	FullRequests       uint64 // FullRequests is the number of full-payload requests sent
	ChunkRequests      uint64 // ChunkRequests is the number of chunk requests sent
	InvalidChunks      uint64 // InvalidChunks failed proof verification
	Mismatches         uint64 // Mismatches counts failed reconstruction rounds
}

type counters struct {
	tasks, cacheHits, local, fastPath, chunks, failures atomic.Uint64
	fullRequests, chunkRequests, invalidChunks          atomic.Uint64
	mismatches                                          atomic.Uint64
}

// Recoverer recovers candidate payloads from the network. It is safe for
// concurrent use; concurrent recoveries of one candidate share a task.
type Recoverer struct {
	cfg       Config              // cfg is the tuning with defaults applied
	transport Transport           // transport reaches remote participants
	local     LocalStore          // local is this node's store, may be nil
	self      candidate.Hash      // self is this node's identity, zero if none
	cache     *Cache              // cache holds recent results
	global    *semaphore.Weighted // global caps requests across tasks
	flight    singleflight.Group  // flight collapses concurrent tasks per candidate
	stats     counters

	mu      sync.Mutex         // mu guards flights
	flights map[string]*flight // flights holds the context of each running task
}

// flight is the context a shared task runs under. It is cancelled once
// every caller waiting on the task has left.
type flight struct {
	ctx     context.Context    // ctx carries the callers' values but not their deadlines
	cancel  context.CancelFunc // cancel stops the task
	waiters int                // waiters is the number of callers still waiting
}

// New creates a Recoverer.
func New(cfg Config, transport Transport, local LocalStore, self candidate.Hash) *Recoverer {
	cfg = cfg.withDefaults()

	return &Recoverer{
		cfg:       cfg,
		transport: transport,
		local:     local,
		self:      self,
		cache:     NewCache(cfg.CacheBytes, cfg.CacheShards, cfg.NegativeTTL),
		global:    semaphore.NewWeighted(int64(cfg.GlobalParallelism)),
		flights:   make(map[string]*flight),
	}
}

// Recover returns the payload described by receipt. The returned payload's
// digest always equals receipt.PayloadDigest. Every failure is a
// *RecoveryError.
func (r *Recoverer) Recover(ctx context.Context, receipt *candidate.Receipt) ([]byte, error) {
	if receipt == nil {
		return nil, &RecoveryError{Kind: KindInvalidReceipt, Cause: errNilReceipt}
	}

	digest := receipt.PayloadDigest

	if err := receipt.Validate(); err != nil {
		return nil, &RecoveryError{Kind: KindInvalidReceipt, Digest: digest, Cause: err}
	}

	if payload, err, ok := r.cached(receipt); ok {
		r.stats.cacheHits.Add(1)
		return payload, err
	}

	nk := negativeKey(receipt)
	key := string(nk[:])

	for {
		f := r.join(ctx, key)

		ch := r.flight.DoChan(key, func() (any, error) {
			return r.run(f.ctx, receipt)
		})

		select {
		case res := <-ch:
			r.leave(key, f)

			if res.Err == nil {
				return res.Val.([]byte), nil
			}

			// Joined a task its callers had already abandoned. Start a new one.
			if res.Shared && errors.Is(res.Err, ErrCanceled) && ctx.Err() == nil {
				continue
			}

			return nil, res.Err

		case <-ctx.Done():
			r.leave(key, f)
			return nil, callerError(digest, ctx.Err())
		}
	}
}

// join registers the caller on the task for key. The task context outlives
// the caller that created it, bounded by the task deadline.
func (r *Recoverer) join(ctx context.Context, key string) *flight {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		r.flights[key] = f
	}

	f.waiters++

	return f
}

// leave unregisters a caller and stops the task when nobody waits on it.
func (r *Recoverer) leave(key string, f *flight) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}

	f.cancel()

	if r.flights[key] == f {
		delete(r.flights, key)
	}
}

// callerError maps the caller's own done context to the terminal error. A
// caller deadline reads as an exhausted recovery, like the task deadline.
func callerError(digest candidate.Hash, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &RecoveryError{Kind: KindExhausted, Digest: digest, Cause: fmt.Errorf("%w: %w", ErrDeadline, err)}
	}

	return &RecoveryError{Kind: KindCanceled, Digest: digest, Cause: err}
}

// cached looks up a positive result by digest, then a negative one by
// digest and root. Failures are keyed by root so a bogus receipt cannot
// poison recovery of the real candidate.
func (r *Recoverer) cached(receipt *candidate.Receipt) ([]byte, error, bool) {
	if payload, _, ok := r.cache.Get(receipt.PayloadDigest); ok && payload != nil {
		return payload, nil, true
	}

	if _, err, ok := r.cache.Get(negativeKey(receipt)); ok && err != nil {
		return nil, err, true
	}

	return nil, nil, false
}

// run executes one recovery task under the task deadline and records its
// outcome in the cache.
func (r *Recoverer) run(ctx context.Context, receipt *candidate.Receipt) ([]byte, error) {
	if payload, err, ok := r.cached(receipt); ok {
		return payload, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.TaskTimeout)
	defer cancel()

	r.stats.tasks.Add(1)
	start := time.Now()

	t := newTask(r, receipt)

	payload, err := t.run(ctx)
	if err != nil {
		r.stats.failures.Add(1)

		var rerr *RecoveryError
		if errors.As(err, &rerr) && rerr.cacheable() {
			r.cache.PutNegative(negativeKey(receipt), err)
		}

		t.log.Warn("recovery failed", "phase", t.phase, "error", err, logger.Timed(start))

		return nil, err
	}

	r.cache.Put(receipt.PayloadDigest, payload)
	t.log.Info("recovered payload", "phase", t.phase, "size", len(payload), logger.Timed(start))

	return payload, nil
}

// Forget drops the cached payload of a candidate.
func (r *Recoverer) Forget(digest candidate.Hash) {
	r.cache.Delete(digest)
}

// Stats returns a snapshot of the recovery counters.
func (r *Recoverer) Stats() Stats {
	return Stats{
		Tasks:              r.stats.tasks.Load(),
		CacheHits:          r.stats.cacheHits.Load(),
		LocalRecoveries:    r.stats.local.Load(),
		FastPathRecoveries: r.stats.fastPath.Load(),
		ChunkRecoveries:    r.stats.chunks.Load(),
		Failures:           r.stats.failures.Load(),
		FullRequests:       r.stats.fullRequests.Load(),
		ChunkRequests:      r.stats.chunkRequests.Load(),
		InvalidChunks:      r.stats.invalidChunks.Load(),
		Mismatches:         r.stats.mismatches.Load(),
	}
}

// fetchFull sends one full-payload request under the global limit.
func (r *Recoverer) fetchFull(ctx context.Context, backer, digest candidate.Hash) ([]byte, error) {
	if err := r.global.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.global.Release(1)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.FullRequestTimeout)
	defer cancel()

	r.stats.fullRequests.Add(1)

	payload, err := r.transport.RequestFull(ctx, backer, digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	return payload, nil
}

// fetchChunk sends one chunk request under the global limit.
func (r *Recoverer) fetchChunk(ctx context.Context, participant, digest candidate.Hash, index uint32) (*candidate.ErasureChunk, error) {
	if err := r.global.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.global.Release(1)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	r.stats.chunkRequests.Add(1)

	chunk, err := r.transport.RequestChunk(ctx, participant, digest, index)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	if chunk == nil {
		return nil, fmt.Errorf("%w: chunk %d not held", ErrTransport, index)
	}

	return chunk, nil
}

// negativeKey binds a failure to the receipt's digest and root.
func negativeKey(receipt *candidate.Receipt) candidate.Hash {
	h := blake3.New()
	h.Write(receipt.PayloadDigest[:])
	h.Write(receipt.ErasureRoot[:])

	var key candidate.Hash
	h.Sum(key[:0])

	return key
}
