package coldcache

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/coldcache/coldcache/internal/repo"
)

func TestNewDispatcher_UnmanagedSingleConnection(t *testing.T) {
	t.Parallel()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	d, err := newDispatcher(Config{Database: db})
	require.NoError(t, err)
	require.Equal(t, strategyUnmanaged, d.kind)
	require.Equal(t, "default", d.shardFor("any-key"))
}

func TestNewDispatcher_SingleNamedShard(t *testing.T) {
	t.Parallel()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	d, err := newDispatcher(Config{Databases: map[string]ShardDB{"only": db}})
	require.NoError(t, err)
	require.Equal(t, strategySingle, d.kind)
	require.Equal(t, "only", d.shardFor("any-key"))
}

func TestNewDispatcher_ShardedRoutesAcrossNamed(t *testing.T) {
	t.Parallel()
	dbs := map[string]ShardDB{}
	for _, name := range []string{"a", "b", "c"} {
		db, _, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		dbs[name] = db
	}

	d, err := newDispatcher(Config{Databases: dbs})
	require.NoError(t, err)
	require.Equal(t, strategySharded, d.kind)

	valid := map[string]bool{"a": true, "b": true, "c": true}
	for i := 0; i < 100; i++ {
		shard := d.shardFor(string(rune('A' + i%26)))
		require.True(t, valid[shard])
	}
}

func TestNewDispatcher_ShardsSubsetRestrictsRouting(t *testing.T) {
	t.Parallel()
	dbs := map[string]ShardDB{}
	for _, name := range []string{"a", "b", "c"} {
		db, _, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		dbs[name] = db
	}

	d, err := newDispatcher(Config{Databases: dbs, Shards: []string{"a", "b"}})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		shard := d.shardFor(string(rune('a' + i%26)))
		require.NotEqual(t, "c", shard)
	}
}

func TestNewDispatcher_RejectsUnknownShardName(t *testing.T) {
	t.Parallel()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = newDispatcher(Config{Databases: map[string]ShardDB{"a": db}, Shards: []string{"nonexistent"}})
	require.ErrorIs(t, err, ErrNoShards)
}

func TestNewDispatcher_RejectsNoDatabases(t *testing.T) {
	t.Parallel()
	_, err := newDispatcher(Config{})
	require.ErrorIs(t, err, ErrNoShards)
}

func TestNewDispatcher_RejectsBothDatabaseAndDatabases(t *testing.T) {
	t.Parallel()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = newDispatcher(Config{Database: db, Databases: map[string]ShardDB{"a": db}})
	require.ErrorIs(t, err, ErrAmbiguousShardConfig)
}

func TestDispatcher_AssignGroupsKeysByShard(t *testing.T) {
	t.Parallel()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	d, err := newDispatcher(Config{Database: db})
	require.NoError(t, err)

	grouped := d.assign([]string{"a", "b", "c"})
	require.Len(t, grouped, 1)
	require.ElementsMatch(t, []string{"a", "b", "c"}, grouped["default"])
}

func TestDispatcher_WithEachVisitsEveryRoutableShard(t *testing.T) {
	t.Parallel()
	dbs := map[string]ShardDB{}
	for _, name := range []string{"a", "b"} {
		db, _, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		dbs[name] = db
	}

	d, err := newDispatcher(Config{Databases: dbs})
	require.NoError(t, err)

	var seen []string
	err = d.withEach(context.Background(), func(ctx context.Context, name string, r *repo.Repository) error {
		seen = append(seen, name)
		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, seen)
}
