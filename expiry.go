package coldcache

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/coldcache/coldcache/internal/exec"
	"github.com/coldcache/coldcache/internal/repo"
	"github.com/coldcache/coldcache/internal/util"
)

// expiryOverFetch is the factor by which a candidate pool is over-fetched
// before random sampling (spec §4.E step 3): fetching 3x batchSize and
// sampling down reduces the chance that two concurrent evictors target
// the same rows.
const expiryOverFetch = 3

// expiryController implements component E: it tracks write volume,
// schedules eviction batches at a rate proportional to writes, and runs
// the per-batch candidate-selection algorithm.
type expiryController struct {
	cfg     Config
	pool    *exec.Pool
	metrics Metrics
	repoFor func(shard string) *repo.Repository

	// writes is a padded counter so high write throughput doesn't
	// false-share with other hot counters (mirrors the teacher's
	// per-shard hit/miss counters).
	writes util.PaddedAtomicInt64
}

func newExpiryController(cfg Config, pool *exec.Pool, repoFor func(string) *repo.Repository) *expiryController {
	return &expiryController{cfg: cfg, pool: pool, metrics: cfg.Metrics, repoFor: repoFor}
}

// onWrite records c successful writes and schedules batches(c) eviction
// tasks for shard, per spec §4.E's write-tracking formula:
//
//	expected = c * (1/batch_size) * multiplier
//	batches  = floor(expected) + (1 with probability frac(expected))
//
// The Bernoulli draw on the fractional part must be preserved rather
// than rounded — rounding biases the long-run eviction rate away from
// multiplier * write_rate (Design Notes).
func (e *expiryController) onWrite(shard string, c int) {
	if c <= 0 {
		return
	}
	e.writes.Add(int64(c))

	expected := float64(c) * (1.0 / float64(e.cfg.ExpiryBatchSize)) * e.cfg.ExpiryMultiplier
	whole := int(expected)
	frac := expected - float64(whole)
	n := whole
	if frac > 0 && rand.Float64() < frac {
		n++
	}

	for i := 0; i < n; i++ {
		e.schedule(shard)
	}
}

// schedule submits one eviction batch for shard, capturing shard now
// (at scheduling time) rather than relying on ambient state at execution
// time, per the Design Notes' "explicit context" replacement of the
// source's thread-local current shard.
func (e *expiryController) schedule(shard string) {
	e.metrics.ExpiryBatchScheduled()

	switch e.cfg.ExpiryMethod {
	case ExpiryJob:
		if e.cfg.JobEnqueuer == nil {
			return
		}
		_ = e.cfg.JobEnqueuer.Enqueue(e.cfg.ExpiryQueue, Job{
			Shard:      shard,
			BatchSize:  e.cfg.ExpiryBatchSize,
			MaxAge:     e.cfg.MaxAge,
			MaxEntries: e.cfg.MaxEntries,
			MaxSize:    e.cfg.MaxSize,
		})
	default: // ExpiryThread
		e.pool.Submit(func() {
			_, _ = e.runBatch(context.Background(), shard, e.cfg.ExpiryBatchSize, e.cfg.MaxAge, e.cfg.MaxEntries, e.cfg.MaxSize)
		})
	}
}

// runBatch executes one eviction batch against shard. It is called from
// the in-process scheduling path and from Store.RunExpiryBatch, the
// exported entry point a host using ExpiryJob calls from its own
// job-processing code.
func (e *expiryController) runBatch(ctx context.Context, shard string, batchSize int, maxAge time.Duration, maxEntries, maxSize int64) (int, error) {
	r := e.repoFor(shard)
	if r == nil {
		return 0, nil
	}

	full, err := e.cacheFull(ctx, r, maxEntries, maxSize)
	if err != nil {
		return 0, err
	}
	if !full && maxAge <= 0 {
		return 0, nil
	}

	pool, err := r.OldestIDs(ctx, expiryOverFetch*batchSize)
	if err != nil {
		return 0, err
	}

	var candidates []int64
	if full {
		for _, ia := range pool {
			candidates = append(candidates, ia.ID)
		}
	} else {
		cutoff := e.cfg.Clock.Now().Add(-maxAge)
		for _, ia := range pool {
			if ia.CreatedAt.Before(cutoff) {
				candidates = append(candidates, ia.ID)
			}
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	chosen := repo.SampleIDs(candidates, batchSize)
	n, err := r.DeleteByID(ctx, chosen)
	if err != nil {
		return 0, err
	}
	e.metrics.ExpiryBatchRun(int(n))
	return int(n), nil
}

func (e *expiryController) cacheFull(ctx context.Context, r *repo.Repository, maxEntries, maxSize int64) (bool, error) {
	if maxEntries > 0 {
		n, err := r.IDRange(ctx)
		if err != nil {
			return false, err
		}
		if maxEntries < n {
			return true, nil
		}
	}
	if maxSize > 0 {
		sz, err := r.EstimatedSize(ctx, e.cfg.SizeEstimateSamples)
		if err != nil {
			return false, err
		}
		if maxSize < sz {
			return true, nil
		}
	}
	return false, nil
}
