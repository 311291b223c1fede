package coldcache

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/coldcache/coldcache/internal/maglev"
	"github.com/coldcache/coldcache/internal/repo"
)

// strategyKind is the dispatcher's tagged variant (spec §4.C / Design
// Notes: "Unmanaged | Single | Sharded is a three-variant sum type; the
// repository is oblivious to which is in use").
type strategyKind int

const (
	strategyUnmanaged strategyKind = iota
	strategySingle
	strategySharded
)

// dispatcher routes operations to the correct shard's repository
// (spec §4.C). It never opens connections itself; it is handed
// already-open *sql.DB handles (wrapped as repositories) at construction.
type dispatcher struct {
	kind strategyKind

	// repos holds every configured shard's repository, keyed by name,
	// regardless of strategy; repoFor and withEach look shards up here.
	repos map[string]*repo.Repository

	// routable holds only the names this store actually routes across
	// (spec §6: shards — a subset of Databases). withEach fans out over
	// these names. For Unmanaged/Single it holds exactly one name.
	routable []string

	// single names the one shard used by the Unmanaged and Single
	// strategies.
	single string

	// router is non-nil only for strategySharded.
	router *maglev.Table
}

// newDispatcher builds a dispatcher from the resolved shard map, per
// spec §4.C's three strategies and §6's Database/Databases/Shards
// configuration.
func newDispatcher(cfg Config) (*dispatcher, error) {
	if cfg.Database != nil && cfg.Databases != nil {
		return nil, ErrAmbiguousShardConfig
	}

	if cfg.Database != nil {
		r := repo.New(cfg.Database)
		return &dispatcher{
			kind:     strategyUnmanaged,
			repos:    map[string]*repo.Repository{"default": r},
			routable: []string{"default"},
			single:   "default",
		}, nil
	}

	if len(cfg.Databases) == 0 {
		return nil, ErrNoShards
	}

	repos := make(map[string]*repo.Repository, len(cfg.Databases))
	for name, db := range cfg.Databases {
		repos[name] = repo.New(db)
	}

	routable := cfg.Shards
	if len(routable) == 0 {
		routable = make([]string, 0, len(cfg.Databases))
		for name := range cfg.Databases {
			routable = append(routable, name)
		}
	}
	sort.Strings(routable)
	for _, name := range routable {
		if _, ok := repos[name]; !ok {
			return nil, ErrNoShards
		}
	}

	if len(routable) == 1 {
		return &dispatcher{
			kind:     strategySingle,
			repos:    repos,
			routable: routable,
			single:   routable[0],
		}, nil
	}

	router, err := maglev.New(routable)
	if err != nil {
		return nil, err
	}
	return &dispatcher{
		kind:     strategySharded,
		repos:    repos,
		routable: routable,
		router:   router,
	}, nil
}

// close releases every shard repository's prepared statements.
func (d *dispatcher) close() error {
	var firstErr error
	for _, r := range d.repos {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// shardFor returns the shard name a key routes to.
func (d *dispatcher) shardFor(key string) string {
	switch d.kind {
	case strategyUnmanaged, strategySingle:
		return d.single
	default:
		return d.router.Lookup(key)
	}
}

// repoFor returns the repository for a shard name.
func (d *dispatcher) repoFor(name string) *repo.Repository {
	return d.repos[name]
}

// assign groups keys by the shard they route to.
func (d *dispatcher) assign(keys []string) map[string][]string {
	out := make(map[string][]string)
	for _, k := range keys {
		name := d.shardFor(k)
		out[name] = append(out[name], k)
	}
	return out
}

// withEach runs fn once per routable shard, bounding concurrency to the
// shard count, and returns the first error encountered (spec §4.C).
func (d *dispatcher) withEach(ctx context.Context, fn func(ctx context.Context, name string, r *repo.Repository) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(d.routable))
	for _, name := range d.routable {
		name := name
		r := d.repos[name]
		g.Go(func() error { return fn(gctx, name, r) })
	}
	return g.Wait()
}
