// Package repo implements the batched SQL executor (spec §4.B): all
// statements issued against one shard's entries table. It knows nothing
// about sharding, failsafe wrapping, or expiry scheduling — those are the
// dispatcher's, the failsafe envelope's, and the expiry controller's
// concerns, layered on top.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// MaxBatch is the largest number of rows/keys a single call accepts;
// callers must chunk larger inputs themselves (spec §4.B).
const MaxBatch = 1000

// errNoRows is the "no row" result LockAndWrite's locked SELECT checks
// for.
var errNoRows = sql.ErrNoRows

// Payload is one key/value pair queued for a batched write.
type Payload struct {
	Key      string
	KeyHash  int64
	Value    []byte
	ByteSize int64
}

// Row is one entries row as read back from the database.
type Row struct {
	ID        int64
	KeyHash   int64
	Key       string
	Value     []byte
	ByteSize  int64
	CreatedAt time.Time
}

// Repository batches SQL against a single shard's entries table. A
// Repository is bound to one *sql.DB and caches one prepared statement
// per (operation, batch size) pair, per the Design Notes' replacement of
// the source's dynamic-SQL-string cache with prepared statements.
type Repository struct {
	db *sql.DB

	mu    sync.Mutex
	stmts map[stmtKey]*sql.Stmt
}

type stmtKey struct {
	op   string
	size int
}

// New returns a Repository bound to db. db is expected to already point
// at a database with an entries table matching spec §6's schema.
func New(db *sql.DB) *Repository {
	return &Repository{db: db, stmts: make(map[stmtKey]*sql.Stmt)}
}

// Close releases cached prepared statements.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for k, stmt := range r.stmts {
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.stmts, k)
	}
	return firstErr
}

func (r *Repository) prepared(ctx context.Context, op string, size int, build func() string) (*sql.Stmt, error) {
	key := stmtKey{op: op, size: size}

	r.mu.Lock()
	if stmt, ok := r.stmts[key]; ok {
		r.mu.Unlock()
		return stmt, nil
	}
	r.mu.Unlock()

	stmt, err := r.db.PrepareContext(ctx, build())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.stmts[key]; ok {
		// Lost the race to another goroutine; keep theirs, close ours.
		_ = stmt.Close()
		return existing, nil
	}
	r.stmts[key] = stmt
	return stmt, nil
}

// WriteMulti upserts up to MaxBatch payloads in one statement, updating
// (key, value, byte_size) on a key_hash conflict (spec §4.B).
func (r *Repository) WriteMulti(ctx context.Context, payloads []Payload) error {
	if len(payloads) == 0 {
		return nil
	}
	if len(payloads) > MaxBatch {
		return fmt.Errorf("repo: WriteMulti batch of %d exceeds MaxBatch %d", len(payloads), MaxBatch)
	}

	stmt, err := r.prepared(ctx, "write_multi", len(payloads), func() string { return buildUpsertSQL(len(payloads)) })
	if err != nil {
		return err
	}

	args := make([]any, 0, len(payloads)*5)
	now := time.Now()
	for _, p := range payloads {
		args = append(args, p.KeyHash, p.Key, p.Value, p.ByteSize, now)
	}
	_, err = stmt.ExecContext(ctx, args...)
	return err
}

func buildUpsertSQL(n int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO entries (key_hash, key, value, byte_size, created_at) VALUES ")
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString("(?,?,?,?,?)")
	}
	b.WriteString(" ON CONFLICT (key_hash) DO UPDATE SET key = excluded.key, value = excluded.value, byte_size = excluded.byte_size")
	return b.String()
}

// ReadMulti selects (key, value) for up to MaxBatch keyHashes. The
// result maps *returned key* to value; a hash collision surfaces as a
// row whose key differs from what the caller expected for that hash and
// must be filtered upstream (spec §4.B/§7).
func (r *Repository) ReadMulti(ctx context.Context, keyHashes []int64) (map[string][]byte, error) {
	if len(keyHashes) == 0 {
		return map[string][]byte{}, nil
	}
	if len(keyHashes) > MaxBatch {
		return nil, fmt.Errorf("repo: ReadMulti batch of %d exceeds MaxBatch %d", len(keyHashes), MaxBatch)
	}

	stmt, err := r.prepared(ctx, "read_multi", len(keyHashes), func() string { return buildSelectSQL(len(keyHashes)) })
	if err != nil {
		return nil, err
	}

	args := make([]any, len(keyHashes))
	for i, h := range keyHashes {
		args[i] = h
	}

	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte, len(keyHashes))
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

func buildSelectSQL(n int) string {
	var b strings.Builder
	b.WriteString("SELECT key, value FROM entries WHERE key_hash IN (")
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('?')
	}
	b.WriteString(")")
	return b.String()
}

// DeleteByKeyHash deletes up to MaxBatch rows by key_hash and returns the
// affected row count.
func (r *Repository) DeleteByKeyHash(ctx context.Context, keyHashes []int64) (int64, error) {
	if len(keyHashes) == 0 {
		return 0, nil
	}
	if len(keyHashes) > MaxBatch {
		return 0, fmt.Errorf("repo: DeleteByKeyHash batch of %d exceeds MaxBatch %d", len(keyHashes), MaxBatch)
	}

	stmt, err := r.prepared(ctx, "delete_by_hash", len(keyHashes), func() string { return buildDeleteSQL(len(keyHashes)) })
	if err != nil {
		return 0, err
	}

	args := make([]any, len(keyHashes))
	for i, h := range keyHashes {
		args[i] = h
	}

	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func buildDeleteSQL(n int) string {
	var b strings.Builder
	b.WriteString("DELETE FROM entries WHERE key_hash IN (")
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('?')
	}
	b.WriteString(")")
	return b.String()
}

// ClearTruncate wipes the table with TRUNCATE.
func (r *Repository) ClearTruncate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, "TRUNCATE TABLE entries")
	return err
}

// ClearDelete wipes the table via chunked DELETE, bounded to batchSize
// rows per statement, for use inside a transactional test harness where
// TRUNCATE is unsafe (spec §4.B).
func (r *Repository) ClearDelete(ctx context.Context, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	for {
		res, err := r.db.ExecContext(ctx,
			"DELETE FROM entries WHERE id IN (SELECT id FROM entries ORDER BY id LIMIT ?)", batchSize)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// LockAndWrite performs the only read-modify-write path with atomicity
// (spec §4.B): inside a transaction, selects the row FOR UPDATE, passes
// the current value to fn (nil if absent, or if the stored row's key
// disagrees with the requested key — a hash collision, per spec §7), and
// if fn returns write=true, upserts the new value. Returns the new value
// (nil if fn chose not to write).
func (r *Repository) LockAndWrite(ctx context.Context, keyHash int64, key string, byteSize func([]byte) int64,
	fn func(current []byte, found bool) (newValue []byte, write bool),
) ([]byte, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, "SELECT key, value FROM entries WHERE key_hash = ? FOR UPDATE", keyHash)
	var storedKey string
	var storedValue []byte
	err = row.Scan(&storedKey, &storedValue)

	var current []byte
	found := false
	switch {
	case errors.Is(err, errNoRows):
		// No row at all.
	case err != nil:
		return nil, err
	case storedKey != key:
		// Hash collision (spec §7): treat as "no existing value".
		found = false
	default:
		current = storedValue
		found = true
	}

	newValue, write := fn(current, found)
	if !write {
		return nil, tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO entries (key_hash, key, value, byte_size, created_at) VALUES (?,?,?,?,?) "+
			"ON CONFLICT (key_hash) DO UPDATE SET key = excluded.key, value = excluded.value, byte_size = excluded.byte_size",
		keyHash, key, newValue, byteSize(newValue), time.Now())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return newValue, nil
}

// IDRange returns MAX(id)-MIN(id)+1, a cheap upper bound on row count
// that overestimates after deletes (spec §4.B: intentional).
func (r *Repository) IDRange(ctx context.Context) (int64, error) {
	var maxID, minID sql.NullInt64
	err := r.db.QueryRowContext(ctx, "SELECT MAX(id), MIN(id) FROM entries").Scan(&maxID, &minID)
	if err != nil {
		return 0, err
	}
	if !maxID.Valid || !minID.Valid {
		return 0, nil
	}
	return maxID.Int64 - minID.Int64 + 1, nil
}

// OldestIDs returns up to limit (id, created_at) pairs ordered by id
// ascending — the candidate pool for age/cache-full eviction (spec
// §4.E step 3).
func (r *Repository) OldestIDs(ctx context.Context, limit int) ([]IDAge, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, created_at FROM entries ORDER BY id ASC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IDAge
	for rows.Next() {
		var ia IDAge
		if err := rows.Scan(&ia.ID, &ia.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ia)
	}
	return out, rows.Err()
}

// IDAge pairs a row id with its created_at, used by the expiry
// controller to filter age-based eviction candidates.
type IDAge struct {
	ID        int64
	CreatedAt time.Time
}

// DeleteByID deletes rows with the given ids and returns the affected
// row count.
func (r *Repository) DeleteByID(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var b strings.Builder
	b.WriteString("DELETE FROM entries WHERE id IN (")
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('?')
		args[i] = id
	}
	b.WriteString(")")

	res, err := r.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LargestByteSizes returns the n largest byte_size values currently
// stored, used by the size estimator (spec §4.B).
func (r *Repository) LargestByteSizes(ctx context.Context, n int) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT byte_size FROM entries ORDER BY byte_size DESC LIMIT ?", n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var sz int64
		if err := rows.Scan(&sz); err != nil {
			return nil, err
		}
		out = append(out, sz)
	}
	return out, rows.Err()
}

// InKeyHashRange returns byte_size values for rows whose key_hash falls
// in [lo, hi], used by the size estimator to sample a pseudo-random
// slice of the keyspace.
func (r *Repository) InKeyHashRange(ctx context.Context, lo, hi int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT byte_size FROM entries WHERE key_hash BETWEEN ? AND ?", lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var sz int64
		if err := rows.Scan(&sz); err != nil {
			return nil, err
		}
		out = append(out, sz)
	}
	return out, rows.Err()
}

// UpToByteSize returns the count of rows with byte_size <= cutoff, used
// by the size estimator.
func (r *Repository) UpToByteSize(ctx context.Context, cutoff int64) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries WHERE byte_size <= ?", cutoff).Scan(&count)
	return count, err
}

// EstimatedSize extrapolates total stored bytes (spec §4.B): it averages
// the byte_size of up to `samples` rows and scales that average by
// id_range() as a row-count proxy. The rows are the `samples` largest by
// byte_size, not a random sample, so once the table holds more rows than
// `samples` the average is at or above the true mean; id_range() also
// overcounts rows after deletes. The estimate therefore errs high and is
// not unbiased.
func (r *Repository) EstimatedSize(ctx context.Context, samples int) (int64, error) {
	idRange, err := r.IDRange(ctx)
	if err != nil {
		return 0, err
	}
	if idRange <= 0 {
		return 0, nil
	}

	sizes, err := r.LargestByteSizes(ctx, samples)
	if err != nil {
		return 0, err
	}
	if len(sizes) == 0 {
		return 0, nil
	}

	var sum int64
	for _, s := range sizes {
		sum += s
	}
	avg := float64(sum) / float64(len(sizes))
	return int64(avg * float64(idRange)), nil
}

// SampleIDs uniformly samples k ids out of candidates without
// replacement (spec §4.E step 5: the over-fetch-then-sample dance that
// keeps concurrent evictors from reliably colliding on the same rows).
// math/rand/v2's top-level functions are safe for concurrent use, so
// SampleIDs needs no caller-supplied source.
func SampleIDs(candidates []int64, k int) []int64 {
	if k >= len(candidates) {
		out := make([]int64, len(candidates))
		copy(out, candidates)
		return out
	}
	shuffled := make([]int64, len(candidates))
	copy(shuffled, candidates)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:k]
}
