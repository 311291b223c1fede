// Command bench runs a synthetic read/write workload against a coldcache
// Store and exposes optional pprof/Prometheus endpoints.
//
// It provisions one or more on-disk SQLite databases (via
// modernc.org/sqlite, a pure-Go driver with no cgo dependency, chosen for
// zero-setup demo use) and creates the entries schema spec §6 requires.
// SQLite has no SELECT ... FOR UPDATE clause, so the workload below sticks
// to Get/Set — Increment's row-locked path needs a
// driver that supports it (Postgres, MySQL, ...).
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	coldcache "github.com/coldcache/coldcache"
	pmet "github.com/coldcache/coldcache/metrics/prom"
)

const schema = `CREATE TABLE IF NOT EXISTS entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key_hash INTEGER NOT NULL UNIQUE,
	key BLOB NOT NULL,
	value BLOB NOT NULL,
	byte_size INTEGER NOT NULL,
	created_at DATETIME NOT NULL
)`

func main() {
	var (
		shardCount = flag.Int("shards", 4, "number of shard databases")
		workers    = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of load-generating goroutines")
		duration   = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct    = flag.Int("reads", 80, "read percentage [0..100]")

		keys    = flag.Int("keys", 200_000, "keyspace size")
		zipfS   = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV   = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed    = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		preload = flag.Int("preload", 0, "preload entries (0 = keys/2)")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()

	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	metrics := pmet.New(nil, "coldcache", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("metrics: serving at %s", *metricsAddr)
		log.Println(http.ListenAndServe(*metricsAddr, nil))
	}()

	dir, err := os.MkdirTemp("", "coldcache-bench-")
	if err != nil {
		log.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	dbs := make(map[string]coldcache.ShardDB, *shardCount)
	shardNames := make([]string, *shardCount)
	for i := 0; i < *shardCount; i++ {
		name := fmt.Sprintf("shard-%d", i)
		shardNames[i] = name

		path := filepath.Join(dir, name+".db")
		db, err := sql.Open("sqlite", path)
		if err != nil {
			log.Fatalf("open %s: %v", name, err)
		}
		if _, err := db.Exec(schema); err != nil {
			log.Fatalf("migrate %s: %v", name, err)
		}
		dbs[name] = db
	}

	store, err := coldcache.New(coldcache.Config{
		Databases: dbs,
		Shards:    shardNames,
		Metrics:   metrics,
	})
	if err != nil {
		log.Fatalf("coldcache.New: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	pl := *preload
	if pl == 0 {
		pl = *keys / 2
	}
	for i := 0; i < pl; i++ {
		k := "k:" + strconv.Itoa(i)
		_ = store.Set(ctx, k, coldcache.Entry{Value: []byte("v" + strconv.Itoa(i))})
	}

	readPctVal := *readPct
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	var reads, writes, hits, misses, total uint64
	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)
			keyByZipf := func() string { return "k:" + strconv.FormatUint(localZipf.Uint64(), 10) }

			for {
				select {
				case <-runCtx.Done():
					return
				default:
				}

				atomic.AddUint64(&total, 1)
				if int(localR.Int31n(100)) < readPctVal {
					atomic.AddUint64(&reads, 1)
					if _, found, _ := store.Get(runCtx, keyByZipf(), ""); found {
						atomic.AddUint64(&hits, 1)
					} else {
						atomic.AddUint64(&misses, 1)
					}
				} else {
					atomic.AddUint64(&writes, 1)
					_ = store.Set(runCtx, keyByZipf(), coldcache.Entry{Value: []byte("v" + strconv.Itoa(localR.Int()))})
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	ops := atomic.LoadUint64(&total)
	readsN := atomic.LoadUint64(&reads)
	writesN := atomic.LoadUint64(&writes)
	hitsN := atomic.LoadUint64(&hits)
	missesN := atomic.LoadUint64(&misses)

	hitRate := 0.0
	if readsN > 0 {
		hitRate = float64(hitsN) / float64(readsN) * 100
	}

	fmt.Printf("shards=%d workers=%d keys=%d dur=%v seed=%d\n", *shardCount, workersN, *keys, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d\n", ops, float64(ops)/elapsed.Seconds(), readsN, writesN)
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%\n", hitsN, missesN, hitRate)
}
