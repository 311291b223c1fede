// Package maglev implements Google's Maglev consistent-hashing lookup
// table: a precomputed array mapping a hashed key to one of N shard
// names, rebuilt only on membership change, with minimal key movement
// when a shard is added or removed.
package maglev

import (
	"crypto/md5" //nolint:gosec // not a security boundary; MD5 is used only as a fast, stable offset/skip generator, per spec.
	"encoding/binary"
	"errors"
	"hash/crc32"
	"sort"
)

// M is the lookup table size. It must be prime and larger than the
// expected shard count so every shard's preference sequence is a full
// permutation of [0, M).
const M = 2053

// ErrTooManyShards is returned by New when more than M shard names are
// supplied; Maglev's construction requires N <= M.
var ErrTooManyShards = errors.New("maglev: shard count exceeds table size")

// ErrNoShards is returned by New when the shard list is empty.
var ErrNoShards = errors.New("maglev: no shards")

// Table is a built Maglev lookup table for a fixed, ordered set of shard
// names. It is read-only after construction and safe for concurrent use
// by multiple goroutines.
type Table struct {
	names []string // sorted, deduplicated; index == preference-sequence id
	table [M]int   // slot -> index into names
}

// New builds a lookup table for the given shard names. The names are
// sorted and deduplicated before building so that New is order-independent:
// the same set of names always produces the same table, regardless of the
// order they were supplied in.
func New(names []string) (*Table, error) {
	uniq := dedupeSorted(names)
	n := len(uniq)
	if n == 0 {
		return nil, ErrNoShards
	}
	if n > M {
		return nil, ErrTooManyShards
	}

	t := &Table{names: uniq}
	for i := range t.table {
		t.table[i] = -1
	}

	offset := make([]uint32, n)
	skip := make([]uint32, n)
	for i, name := range uniq {
		h1, h2 := nameHashes(name)
		offset[i] = h1 % M
		skip[i] = h2%(M-1) + 1
	}

	next := make([]uint32, n) // next preference-sequence rank to try, per shard
	filled := 0
	for {
		for i := 0; i < n; i++ {
			c := permute(offset[i], skip[i], next[i])
			for t.table[c] != -1 {
				next[i]++
				c = permute(offset[i], skip[i], next[i])
			}
			t.table[c] = i
			next[i]++
			filled++
			if filled == M {
				return t, nil
			}
		}
	}
}

// permute computes p_i[j] = (offset + j*skip) mod M.
func permute(offset, skip, j uint32) uint32 {
	return (offset + j*skip) % M
}

// Lookup returns the shard name for key. Lookup is deterministic given the
// same table; repeated calls with the same key and the same shard set
// (across process restarts) always return the same shard.
func (t *Table) Lookup(key string) string {
	slot := crc32.ChecksumIEEE([]byte(key)) % M
	return t.names[t.table[slot]]
}

// Names returns the sorted, deduplicated shard-name list the table was
// built from.
func (t *Table) Names() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// nameHashes derives the two independent 32-bit hashes used to compute a
// shard's offset and skip, per spec §4.A: MD5(name), taking the first 4
// bytes for h1 and the next 4 bytes for h2, both big-endian.
func nameHashes(name string) (h1, h2 uint32) {
	sum := md5.Sum([]byte(name)) //nolint:gosec
	h1 = binary.BigEndian.Uint32(sum[0:4])
	h2 = binary.BigEndian.Uint32(sum[4:8])
	return h1, h2
}

func dedupeSorted(names []string) []string {
	cp := make([]string, len(names))
	copy(cp, names)
	sort.Strings(cp)

	out := cp[:0]
	var prev string
	for i, n := range cp {
		if i == 0 || n != prev {
			out = append(out, n)
			prev = n
		}
	}
	return out
}
