package coldcache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coldcache/coldcache/internal/exec"
	"github.com/coldcache/coldcache/internal/keyhash"
	"github.com/coldcache/coldcache/internal/repo"
	"github.com/coldcache/coldcache/internal/singleflight"
)

// Store is component G, the cache API surface: key normalization, entry
// (de)serialization, and the read/write/fetch/incr/decr/clear operations
// layered over the dispatcher (C), the failsafe envelope (D), and the
// expiry controller (E).
//
// All methods are safe for concurrent use.
type Store struct {
	cfg Config

	dispatcher *dispatcher
	expiry     *expiryController
	pool       *exec.Pool
	env        *envelope

	sf singleflight.Group[string, Entry]
}

// New constructs a Store from cfg, applying documented defaults to any
// zero-valued tunable.
func New(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	d, err := newDispatcher(cfg)
	if err != nil {
		return nil, err
	}

	env := &envelope{
		reporter:   cfg.ErrorReporter,
		handler:    cfg.ErrorHandler,
		classifier: cfg.TransientClassifier,
		metrics:    cfg.Metrics,
	}

	var wrap exec.Wrapper
	if cfg.Executor != nil {
		wrap = exec.Wrapper(cfg.Executor)
	}
	metrics := cfg.Metrics
	pool := exec.New(cfg.Workers, cfg.WorkerQueueSize, wrap, metrics.WorkerQueueDropped, env.reportAsyncPanic)
	expiryCtl := newExpiryController(cfg, pool, d.repoFor)

	return &Store{cfg: cfg, dispatcher: d, expiry: expiryCtl, pool: pool, env: env}, nil
}

// Close releases every shard's prepared statements and stops the
// background worker pool, waiting for in-flight tasks to finish.
func (s *Store) Close() error {
	s.pool.Close()
	return s.dispatcher.close()
}

// normalize converts a logical key to its stored, length-bounded form
// (spec §4.G): the host normalizer first, then collision-safe truncation.
func (s *Store) normalize(key string) string {
	return keyhash.Normalize(s.cfg.KeyNormalizer.Normalize(key), s.cfg.MaxKeyBytesize)
}

func (s *Store) byteSizeOf(nk string) func([]byte) int64 {
	return func(v []byte) int64 { return byteSize(nk, v, s.cfg.Encrypt) }
}

// Get reads key and returns its decoded entry. A caller-supplied version
// is matched against the stored entry's version; pass "" to skip the
// check. Absence, expiry, version mismatch, a swallowed transient
// storage fault, and a corrupt stored payload are all indistinguishable
// to the caller: found is false and err is nil (spec §4.G, §7).
func (s *Store) Get(ctx context.Context, key, version string) (Entry, bool, error) {
	return s.getNormalized(ctx, s.normalize(key), version)
}

func (s *Store) getNormalized(ctx context.Context, nk, version string) (Entry, bool, error) {
	kh := keyhash.Hash(nk)
	shard := s.dispatcher.shardFor(nk)
	r := s.dispatcher.repoFor(shard)

	raw, err := runFailsafe(s.env, "read_entry", []byte(nil), func() ([]byte, error) {
		m, err := r.ReadMulti(ctx, []int64{kh})
		if err != nil {
			return nil, err
		}
		return m[nk], nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	if raw == nil {
		s.cfg.Metrics.Miss()
		return Entry{}, false, nil
	}

	entry, derr := s.cfg.Codec.Decode(raw)
	if derr != nil {
		s.cfg.Metrics.Miss()
		return Entry{}, false, nil
	}
	if entry.Expired(s.cfg.Clock.Now()) {
		_, _ = runFailsafe(s.env, "delete_entry", int64(0), func() (int64, error) {
			return r.DeleteByKeyHash(ctx, []int64{kh})
		})
		s.cfg.Metrics.Miss()
		return Entry{}, false, nil
	}
	if version != "" && entry.Mismatched(version) {
		s.cfg.Metrics.Miss()
		return Entry{}, false, nil
	}

	s.cfg.Metrics.Hit()
	return entry, true, nil
}

// MultiGet reads keys, grouped by shard (spec §4.C reading_keys). The
// returned map is keyed by the original (pre-normalization) key and
// contains only keys that were found, live, and version-matched.
func (s *Store) MultiGet(ctx context.Context, keys []string, version string) (map[string]Entry, error) {
	if len(keys) == 0 {
		return map[string]Entry{}, nil
	}

	normToOriginal := make(map[string]string, len(keys))
	byShard := make(map[string][]int64)
	for _, k := range keys {
		nk := s.normalize(k)
		normToOriginal[nk] = k
		shard := s.dispatcher.shardFor(nk)
		byShard[shard] = append(byShard[shard], keyhash.Hash(nk))
	}

	out := make(map[string]Entry, len(keys))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(byShard))
	for shard, hashes := range byShard {
		shard, hashes := shard, hashes
		g.Go(func() error {
			r := s.dispatcher.repoFor(shard)
			s.cfg.Metrics.ShardBatch(shard, len(hashes))

			raw, err := runFailsafe(s.env, "read_multi", map[string][]byte(nil), func() (map[string][]byte, error) {
				return r.ReadMulti(gctx, hashes)
			})
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			for returnedKey, val := range raw {
				orig, ok := normToOriginal[returnedKey]
				if !ok {
					// A hash collision surfaced a foreign key; not ours.
					continue
				}
				entry, derr := s.cfg.Codec.Decode(val)
				if derr != nil {
					continue
				}
				if entry.Expired(s.cfg.Clock.Now()) {
					kh := keyhash.Hash(returnedKey)
					_, _ = runFailsafe(s.env, "delete_entry", int64(0), func() (int64, error) {
						return r.DeleteByKeyHash(gctx, []int64{kh})
					})
					continue
				}
				if version != "" && entry.Mismatched(version) {
					continue
				}
				out[orig] = entry
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, k := range keys {
		if _, ok := out[k]; ok {
			s.cfg.Metrics.Hit()
		} else {
			s.cfg.Metrics.Miss()
		}
	}
	return out, nil
}

// Set writes key/entry, upserting on key_hash (spec §4.G Write).
func (s *Store) Set(ctx context.Context, key string, entry Entry) error {
	nk := s.normalize(key)
	value, err := s.cfg.Codec.Encode(entry)
	if err != nil {
		return err
	}

	shard := s.dispatcher.shardFor(nk)
	r := s.dispatcher.repoFor(shard)
	p := repo.Payload{Key: nk, KeyHash: keyhash.Hash(nk), Value: value, ByteSize: byteSize(nk, value, s.cfg.Encrypt)}

	_, err = runFailsafe(s.env, "write_entry", struct{}{}, func() (struct{}, error) {
		return struct{}{}, r.WriteMulti(ctx, []repo.Payload{p})
	})
	if err != nil {
		return err
	}
	s.expiry.onWrite(shard, 1)
	return nil
}

// MultiSet writes every key/entry in entries, batched per shard up to
// repo.MaxBatch payloads per call (spec §4.B/§4.G Write_multi).
func (s *Store) MultiSet(ctx context.Context, entries map[string]Entry) error {
	if len(entries) == 0 {
		return nil
	}

	byShard := make(map[string][]repo.Payload)
	for key, entry := range entries {
		nk := s.normalize(key)
		value, err := s.cfg.Codec.Encode(entry)
		if err != nil {
			return err
		}
		shard := s.dispatcher.shardFor(nk)
		byShard[shard] = append(byShard[shard], repo.Payload{
			Key: nk, KeyHash: keyhash.Hash(nk), Value: value, ByteSize: byteSize(nk, value, s.cfg.Encrypt),
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(byShard))
	for shard, payloads := range byShard {
		shard, payloads := shard, payloads
		g.Go(func() error {
			r := s.dispatcher.repoFor(shard)
			for i := 0; i < len(payloads); i += repo.MaxBatch {
				end := i + repo.MaxBatch
				if end > len(payloads) {
					end = len(payloads)
				}
				chunk := payloads[i:end]
				s.cfg.Metrics.ShardBatch(shard, len(chunk))
				_, err := runFailsafe(s.env, "write_multi", struct{}{}, func() (struct{}, error) {
					return struct{}{}, r.WriteMulti(gctx, chunk)
				})
				if err != nil {
					return err
				}
			}
			s.expiry.onWrite(shard, len(payloads))
			return nil
		})
	}
	return g.Wait()
}

// SetUnlessExist writes key/entry only if no live entry is currently
// stored for it, via the locked read-modify-write path (spec §4.G:
// "unless_exist variant routes through lock_and_write"). It reports
// whether the write happened.
func (s *Store) SetUnlessExist(ctx context.Context, key string, entry Entry) (bool, error) {
	nk := s.normalize(key)
	kh := keyhash.Hash(nk)
	shard := s.dispatcher.shardFor(nk)
	r := s.dispatcher.repoFor(shard)

	value, err := s.cfg.Codec.Encode(entry)
	if err != nil {
		return false, err
	}

	var wrote bool
	_, err = runFailsafe(s.env, "write_entry", []byte(nil), func() ([]byte, error) {
		return r.LockAndWrite(ctx, kh, nk, s.byteSizeOf(nk), func(current []byte, found bool) ([]byte, bool) {
			if found {
				if cur, derr := s.cfg.Codec.Decode(current); derr == nil && !cur.Expired(s.cfg.Clock.Now()) {
					return nil, false
				}
			}
			wrote = true
			return value, true
		})
	})
	if err != nil {
		return false, err
	}
	if wrote {
		s.expiry.onWrite(shard, 1)
	}
	return wrote, nil
}

// Delete removes key and returns whether a row was actually deleted.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	nk := s.normalize(key)
	kh := keyhash.Hash(nk)
	r := s.dispatcher.repoFor(s.dispatcher.shardFor(nk))

	n, err := runFailsafe(s.env, "delete_entry", int64(0), func() (int64, error) {
		return r.DeleteByKeyHash(ctx, []int64{kh})
	})
	if err != nil {
		return false, err
	}
	if n > 0 {
		s.cfg.Metrics.Evict(EvictExplicit, int(n))
	}
	return n > 0, nil
}

// MultiDelete removes keys and returns the total affected row count.
func (s *Store) MultiDelete(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	byShard := make(map[string][]int64)
	for _, k := range keys {
		nk := s.normalize(k)
		shard := s.dispatcher.shardFor(nk)
		byShard[shard] = append(byShard[shard], keyhash.Hash(nk))
	}

	var total int64
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(byShard))
	for shard, hashes := range byShard {
		hashes := hashes
		r := s.dispatcher.repoFor(shard)
		g.Go(func() error {
			n, err := runFailsafe(s.env, "delete_entry", int64(0), func() (int64, error) {
				return r.DeleteByKeyHash(gctx, hashes)
			})
			if err != nil {
				return err
			}
			mu.Lock()
			total += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if total > 0 {
		s.cfg.Metrics.Evict(EvictExplicit, int(total))
	}
	return total, nil
}

// Increment adds amount to the integer stored at key under a row lock
// (spec §4.G): new = amount + (old value parsed as an integer, or 0 if
// absent/expired/unparseable). The stored entry's expiry and version are
// preserved when an existing entry survives. Returns the new value.
func (s *Store) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	return s.addAndLock(ctx, key, amount)
}

// Decrement subtracts amount from the integer stored at key. It is
// Increment with a negated amount (spec §4.G treats incr/decr as one
// locked-RMW operation).
func (s *Store) Decrement(ctx context.Context, key string, amount int64) (int64, error) {
	return s.addAndLock(ctx, key, -amount)
}

func (s *Store) addAndLock(ctx context.Context, key string, amount int64) (int64, error) {
	nk := s.normalize(key)
	kh := keyhash.Hash(nk)
	shard := s.dispatcher.shardFor(nk)
	r := s.dispatcher.repoFor(shard)

	var result int64
	var encErr error

	_, err := runFailsafe(s.env, "write_entry", []byte(nil), func() ([]byte, error) {
		return r.LockAndWrite(ctx, kh, nk, s.byteSizeOf(nk), func(current []byte, found bool) ([]byte, bool) {
			var base int64
			var expiresAt time.Time
			var version string
			if found {
				if cur, derr := s.cfg.Codec.Decode(current); derr == nil && !cur.Expired(s.cfg.Clock.Now()) {
					if n, perr := strconv.ParseInt(string(cur.Value), 10, 64); perr == nil {
						base = n
					}
					expiresAt = cur.ExpiresAt
					version = cur.Version
				}
			}
			result = amount + base

			encoded, eerr := s.cfg.Codec.Encode(Entry{
				Value:     []byte(strconv.FormatInt(result, 10)),
				ExpiresAt: expiresAt,
				Version:   version,
			})
			if eerr != nil {
				encErr = eerr
				return current, false
			}
			return encoded, true
		})
	})
	if err != nil {
		return 0, err
	}
	if encErr != nil {
		return 0, encErr
	}
	s.expiry.onWrite(shard, 1)
	return result, nil
}

// Fetch reads key (honoring version like Get) and, on miss, runs compute
// to produce a fresh entry, writes it back, and returns it. Concurrent
// Fetch calls for the same normalized key are coalesced via singleflight
// (spec §9 enrichment: the teacher's GetOrLoad coalescing, generalized to
// a durable read-through fetch).
func (s *Store) Fetch(ctx context.Context, key, version string, compute func(ctx context.Context) (Entry, error)) (Entry, error) {
	nk := s.normalize(key)
	return s.sf.Do(ctx, nk, func() (Entry, error) {
		if entry, found, err := s.getNormalized(ctx, nk, version); err != nil {
			return Entry{}, err
		} else if found {
			return entry, nil
		}

		entry, err := compute(ctx)
		if err != nil {
			return Entry{}, err
		}
		if err := s.setNormalized(ctx, nk, entry); err != nil {
			return Entry{}, err
		}
		return entry, nil
	})
}

func (s *Store) setNormalized(ctx context.Context, nk string, entry Entry) error {
	value, err := s.cfg.Codec.Encode(entry)
	if err != nil {
		return err
	}
	shard := s.dispatcher.shardFor(nk)
	r := s.dispatcher.repoFor(shard)
	p := repo.Payload{Key: nk, KeyHash: keyhash.Hash(nk), Value: value, ByteSize: byteSize(nk, value, s.cfg.Encrypt)}

	_, err = runFailsafe(s.env, "write_entry", struct{}{}, func() (struct{}, error) {
		return struct{}{}, r.WriteMulti(ctx, []repo.Payload{p})
	})
	if err != nil {
		return err
	}
	s.expiry.onWrite(shard, 1)
	return nil
}

// Clear wipes every routable shard's table, using TRUNCATE or chunked
// DELETE per Config.ClearWith (spec §4.G Clear).
func (s *Store) Clear(ctx context.Context) error {
	return s.dispatcher.withEach(ctx, func(ctx context.Context, name string, r *repo.Repository) error {
		_, err := runFailsafe(s.env, "clear", struct{}{}, func() (struct{}, error) {
			if s.cfg.ClearWith == ClearDelete {
				return struct{}{}, r.ClearDelete(ctx, s.cfg.ExpiryBatchSize)
			}
			return struct{}{}, r.ClearTruncate(ctx)
		})
		return err
	})
}

// Cleanup is deliberately unimplemented (spec §4.G/§7: "Unsupported").
func (s *Store) Cleanup(ctx context.Context) error {
	return ErrUnsupported
}

// RunExpiryBatch executes one eviction batch against shard immediately,
// bypassing write-triggered scheduling. Exposed so a host using
// Config.ExpiryMethod = ExpiryJob can invoke it from its own durable job
// handler (spec §4.E: "enqueue a durable job ... return").
func (s *Store) RunExpiryBatch(ctx context.Context, shard string) (int, error) {
	return s.expiry.runBatch(ctx, shard, s.cfg.ExpiryBatchSize, s.cfg.MaxAge, s.cfg.MaxEntries, s.cfg.MaxSize)
}
