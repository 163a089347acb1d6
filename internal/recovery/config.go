package recovery

import "time"

const (
	defaultFastPathParallelism = 2
	defaultChunkParallelism    = 50
	defaultGlobalParallelism   = 256
	defaultRequestTimeout      = 2 * time.Second
	defaultFullRequestTimeout  = 10 * time.Second
	defaultTaskTimeout         = 60 * time.Second
	defaultMaxMismatchRounds   = 3
	defaultCacheBytes          = 256 << 20
	defaultCacheShards         = 16
	defaultNegativeTTL         = 10 * time.Second
)

// EscalationFunc returns the verified-chunk target after round failed
// reconstructions (round >= 1).
type EscalationFunc func(threshold, round int) int

// LinearEscalation asks for one extra chunk per failed round.
func LinearEscalation(threshold, round int) int {
	return threshold + round
}

// Config tunes the recovery engine. Zero fields take defaults.
type Config struct {
	// FastPathParallelism caps concurrent full-payload requests to backers.
	FastPathParallelism int

	// ChunkParallelism caps outstanding chunk requests per task.
	ChunkParallelism int

	// GlobalParallelism caps outstanding requests across all tasks.
	GlobalParallelism int

	// RequestTimeout bounds a single chunk request.
	RequestTimeout time.Duration

	// FullRequestTimeout bounds a single full-payload request.
	FullRequestTimeout time.Duration

	// TaskTimeout bounds a whole recovery task. A caller with an earlier
	// deadline stops waiting without ending the task for others.
	TaskTimeout time.Duration

	// MaxMismatchRounds is how many failed reconstructions end a task.
	MaxMismatchRounds int

	// Escalation grows the chunk target after a failed reconstruction.
	Escalation EscalationFunc

	// CacheBytes is the byte budget of the recovery cache.
	CacheBytes int64

	// CacheShards is the number of cache shards, rounded up to a power of two.
	CacheShards int

	// NegativeTTL is how long a failed recovery is remembered.
	NegativeTTL time.Duration

	// SkipFastPath goes straight to chunk recovery.
	SkipFastPath bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FastPathParallelism: defaultFastPathParallelism,
		ChunkParallelism:    defaultChunkParallelism,
		GlobalParallelism:   defaultGlobalParallelism,
		RequestTimeout:      defaultRequestTimeout,
		FullRequestTimeout:  defaultFullRequestTimeout,
		TaskTimeout:         defaultTaskTimeout,
		MaxMismatchRounds:   defaultMaxMismatchRounds,
		Escalation:          LinearEscalation,
		CacheBytes:          defaultCacheBytes,
		CacheShards:         defaultCacheShards,
		NegativeTTL:         defaultNegativeTTL,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.FastPathParallelism <= 0 {
		c.FastPathParallelism = d.FastPathParallelism
	}
	if c.ChunkParallelism <= 0 {
		c.ChunkParallelism = d.ChunkParallelism
	}
	if c.GlobalParallelism <= 0 {
		c.GlobalParallelism = d.GlobalParallelism
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.FullRequestTimeout <= 0 {
		c.FullRequestTimeout = d.FullRequestTimeout
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.MaxMismatchRounds <= 0 {
		c.MaxMismatchRounds = d.MaxMismatchRounds
	}
	if c.Escalation == nil {
		c.Escalation = d.Escalation
	}
	if c.CacheBytes <= 0 {
		c.CacheBytes = d.CacheBytes
	}
	if c.CacheShards <= 0 {
		c.CacheShards = d.CacheShards
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = d.NegativeTTL
	}

	return c
}
