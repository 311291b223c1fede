package coldcache

import (
	"database/sql"
	"time"
)

// ClearMode selects how Clear wipes a shard's table, per spec §4.B /
// §6's clear_with option.
type ClearMode int

const (
	// ClearTruncate issues TRUNCATE TABLE. Fast, but unsafe inside a
	// transactional test harness (most drivers implicitly commit around
	// DDL) — see ClearDelete for that case.
	ClearTruncate ClearMode = iota
	// ClearDelete issues chunked DELETE statements in bounded batches.
	ClearDelete
)

// ExpiryMethod selects how scheduled eviction batches are run, per spec
// §4.E / §6's expiry_method option.
type ExpiryMethod int

const (
	// ExpiryThread submits eviction batches to the in-process worker
	// pool (component F).
	ExpiryThread ExpiryMethod = iota
	// ExpiryJob enqueues a durable job via Config.JobEnqueuer instead of
	// running in-process.
	ExpiryJob
)

// Job describes one durable eviction task, carrying the shard captured at
// scheduling time rather than at execution time (spec §4.E).
type Job struct {
	Shard     string
	BatchSize int
	MaxAge    time.Duration
	MaxEntries int64
	MaxSize    int64
}

// JobEnqueuer hands a Job off to the host application's background-job
// runner (spec §1: "the host application's background-job runner" is an
// external collaborator). Required when Config.ExpiryMethod is
// ExpiryJob.
type JobEnqueuer interface {
	Enqueue(queue string, job Job) error
}

// Executor optionally wraps every task submitted to the background
// worker pool (component F) before it runs, e.g. to ensure a host
// runtime's per-request setup (class autoloading, tracing scopes, ...)
// is active for the task's duration (spec §6: executor). Defaults to
// running tasks unwrapped.
type Executor func(task func()) func()

// Codec serializes and deserializes the opaque cache entry the host
// cache framework owns (spec §3: "Cache entry"). coldcache never
// inspects the payload except to round-trip it and, for Increment/
// Decrement, to read/write a decimal integer through Entry.Value.
type Codec interface {
	Encode(Entry) ([]byte, error)
	Decode([]byte) (Entry, error)
}

// KeyNormalizer converts a logical cache key into the byte form stored
// on disk, before length-bounded truncation is applied (spec §4.G).
// The default is an identity transform.
type KeyNormalizer interface {
	Normalize(key string) string
}

// Clock provides the current time; useful for deterministic tests
// (mirrors the teacher's cache.Clock).
type Clock interface{ Now() time.Time }

// systemClock is the default Clock, backed by time.Now.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// identityNormalizer is the default KeyNormalizer.
type identityNormalizer struct{}

func (identityNormalizer) Normalize(key string) string { return key }

// ShardDB is the per-shard database handle the dispatcher borrows
// operations against. Spec §1 places the SQL driver and connection
// pooling out of scope — this is exactly *sql.DB from any driver.
type ShardDB = *sql.DB

// Config configures a Store. Zero value fields fall back to the
// documented defaults, applied inside New.
type Config struct {
	// Database is a single unmanaged connection (spec §6: database).
	// Mutually exclusive with Databases.
	Database ShardDB

	// Databases declares the full named shard set this store connects
	// to (spec §6: databases / connects_to — both name the same
	// mapping; coldcache only needs the resulting map). Mutually
	// exclusive with Database.
	Databases map[string]ShardDB

	// Shards restricts routing to a subset of Databases' keys
	// (spec §6: shards). Empty means "all of Databases".
	Shards []string

	// MaxKeyBytesize bounds the normalized, truncated key length.
	// Default 1024.
	MaxKeyBytesize int

	// ClearWith selects TRUNCATE vs chunked DELETE. Default ClearTruncate.
	ClearWith ClearMode

	// MaxAge bounds row age. Default 2 weeks. Zero disables the bound
	// only if MaxEntries or MaxSize is set; if all three are unset the
	// zero value is replaced with the 2-week default (eviction must
	// always have some bound).
	MaxAge time.Duration

	// MaxEntries bounds id_range() (an upper-bound proxy for row
	// count). Zero disables the bound.
	MaxEntries int64

	// MaxSize bounds estimated total byte size. Zero disables the
	// bound.
	MaxSize int64

	// ExpiryBatchSize is the number of rows considered per eviction
	// task. Default 100.
	ExpiryBatchSize int

	// ExpiryMethod selects thread (in-process) vs job (durable queue)
	// scheduling. Default ExpiryThread.
	ExpiryMethod ExpiryMethod

	// ExpiryQueue names the job queue used when ExpiryMethod is
	// ExpiryJob.
	ExpiryQueue string

	// JobEnqueuer is required when ExpiryMethod is ExpiryJob.
	JobEnqueuer JobEnqueuer

	// SizeEstimateSamples bounds the sample size used by the byte-size
	// estimator. Default 10000.
	SizeEstimateSamples int

	// Encrypt switches the declared per-row overhead to account for an
	// encryption wrapper's framing (spec §3). coldcache does not
	// perform encryption itself — that's an external collaborator
	// (spec §1) — this flag only affects the byte_size estimate.
	Encrypt bool

	// ErrorHandler receives (tag, err, returning) for every failsafe
	// trip, mirroring the host cache framework's error_handler option.
	ErrorHandler func(tag string, err error, returning any)

	// ErrorReporter receives a structured warning report for every
	// failsafe trip. Defaults to NoopErrorReporter.
	ErrorReporter ErrorReporter

	// TransientClassifier augments the built-in transient-error
	// detection (spec §4.D) with driver-specific error recognition.
	TransientClassifier TransientClassifier

	// Metrics receives Hit/Miss/Evict/FailsafeTrip/... signals.
	// Defaults to NoopMetrics.
	Metrics Metrics

	// Codec (de)serializes the opaque cache entry. Defaults to
	// DefaultCodec.
	Codec Codec

	// KeyNormalizer converts a logical key to its stored byte form
	// before truncation. Defaults to an identity transform.
	KeyNormalizer KeyNormalizer

	// Clock overrides the time source (tests). Defaults to time.Now.
	Clock Clock

	// Workers sizes the background execution pool (component F).
	// Default 1.
	Workers int

	// WorkerQueueSize bounds the background task queue. Default 100.
	WorkerQueueSize int

	// Executor wraps each background task before it runs (spec §6:
	// executor). Defaults to running tasks unwrapped.
	Executor Executor

	// ExpiryMultiplier sets the steady-state eviction-to-write ratio
	// (spec §4.E). Default 2.
	ExpiryMultiplier float64
}

const (
	defaultMaxKeyBytesize      = 1024
	defaultMaxAge              = 14 * 24 * time.Hour
	defaultExpiryBatchSize     = 100
	defaultSizeEstimateSamples = 10_000
	defaultWorkers             = 1
	defaultWorkerQueueSize     = 100
	defaultExpiryMultiplier    = 2.0
)

// withDefaults returns a copy of cfg with every zero-valued tunable
// replaced by its documented default.
func (cfg Config) withDefaults() Config {
	if cfg.MaxKeyBytesize <= 0 {
		cfg.MaxKeyBytesize = defaultMaxKeyBytesize
	}
	if cfg.MaxAge <= 0 && cfg.MaxEntries <= 0 && cfg.MaxSize <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.ExpiryBatchSize <= 0 {
		cfg.ExpiryBatchSize = defaultExpiryBatchSize
	}
	if cfg.SizeEstimateSamples <= 0 {
		cfg.SizeEstimateSamples = defaultSizeEstimateSamples
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetrics{}
	}
	if cfg.ErrorReporter == nil {
		cfg.ErrorReporter = NoopErrorReporter{}
	}
	if cfg.Codec == nil {
		cfg.Codec = DefaultCodec{}
	}
	if cfg.KeyNormalizer == nil {
		cfg.KeyNormalizer = identityNormalizer{}
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.WorkerQueueSize <= 0 {
		cfg.WorkerQueueSize = defaultWorkerQueueSize
	}
	if cfg.ExpiryMultiplier <= 0 {
		cfg.ExpiryMultiplier = defaultExpiryMultiplier
	}
	return cfg
}
