// Package keyhash implements the key-pipeline primitives: the stable
// signed 64-bit key hash used as both shard selector and SQL primary
// index, and the collision-safe truncation applied to over-long keys.
package keyhash

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Hash derives the signed 64-bit key_hash from the first 8 bytes of
// SHA-256(key), interpreted big-endian two's-complement.
//
// The hash must be a *bit-cast*, not a modulo or truncation-by-masking: a
// storage backend that only has a signed 64-bit integer column needs the
// exact bit pattern a Go uint64 would produce, not a value folded into the
// signed range.
func Hash(key string) int64 {
	sum := sha256.Sum256([]byte(key))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// suffixSeparator starts the ":hash:"+hex(digest) suffix appended to
// truncated keys. hex(sha256) is 64 hex chars; the separator adds 6 more.
const suffixSeparator = ":hash:"

// Normalize truncates key to at most maxBytes bytes, preserving collision
// resistance by appending a hex-encoded SHA-256 digest of the *original*
// key when truncation occurs. Keys already within the limit are returned
// unchanged.
//
// The result is always <= maxBytes bytes. When maxBytes cannot hold the
// full suffix (len(suffixSeparator)+64), the result is the separator
// followed by as many leading digest hex chars as fit (or, when maxBytes
// is no longer than the separator, just that many digest hex chars): a
// best-effort, shorter-digest truncation rather than a panic.
func Normalize(key string, maxBytes int) string {
	if len(key) <= maxBytes {
		return key
	}

	digest := sha256.Sum256([]byte(key))
	hexDigest := hex.EncodeToString(digest[:])
	suffix := suffixSeparator + hexDigest

	if len(suffix) >= maxBytes {
		// Degenerate configuration: not enough room for a full suffix.
		// Keep the separator and as much of the digest as fits — still
		// far better than colliding every long key onto the same
		// truncated prefix.
		if maxBytes <= len(suffixSeparator) {
			return hexDigest[:maxBytes]
		}
		return suffix[:maxBytes]
	}

	head := key[:maxBytes-len(suffix)]
	return head + suffix
}
