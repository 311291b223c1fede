package coldcache

import (
	"encoding/binary"
	"errors"
	"time"
)

// Entry is the in-transit cache entry the host cache framework owns
// (spec §3). The core never parses Value except for Increment/Decrement;
// it otherwise round-trips whatever Codec.Encode/Decode produce.
type Entry struct {
	Value     []byte
	ExpiresAt time.Time // zero = no expiry
	Version   string    // optional tag; Mismatched compares against a caller version
}

// Expired reports whether e carries an expiry in the past relative to
// now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Mismatched reports whether e's version differs from version. An empty
// version on either side never mismatches (spec §4.G: "version tag").
func (e Entry) Mismatched(version string) bool {
	if version == "" || e.Version == "" {
		return false
	}
	return e.Version != version
}

// errShortEntry is returned by DefaultCodec.Decode when the encoded form
// is truncated.
var errShortEntry = errors.New("coldcache: truncated entry")

// DefaultCodec is a minimal, dependency-free Entry codec used when the
// host does not supply one of its own. Wire format:
//
//	[8]  expiresAt as UnixNano (0 = no expiry)
//	[2]  version length (uint16, big-endian)
//	[N]  version bytes
//	[..] value bytes (remainder)
type DefaultCodec struct{}

func (DefaultCodec) Encode(e Entry) ([]byte, error) {
	var expNano int64
	if !e.ExpiresAt.IsZero() {
		expNano = e.ExpiresAt.UnixNano()
	}
	if len(e.Version) > 0xFFFF {
		return nil, errors.New("coldcache: version too long")
	}

	out := make([]byte, 8+2+len(e.Version)+len(e.Value))
	binary.BigEndian.PutUint64(out[0:8], uint64(expNano))
	binary.BigEndian.PutUint16(out[8:10], uint16(len(e.Version)))
	copy(out[10:10+len(e.Version)], e.Version)
	copy(out[10+len(e.Version):], e.Value)
	return out, nil
}

func (DefaultCodec) Decode(b []byte) (Entry, error) {
	if len(b) < 10 {
		return Entry{}, errShortEntry
	}
	expNano := int64(binary.BigEndian.Uint64(b[0:8]))
	vlen := int(binary.BigEndian.Uint16(b[8:10]))
	if len(b) < 10+vlen {
		return Entry{}, errShortEntry
	}

	var e Entry
	if expNano != 0 {
		e.ExpiresAt = time.Unix(0, expNano)
	}
	if vlen > 0 {
		e.Version = string(b[10 : 10+vlen])
	}
	e.Value = b[10+vlen:]
	return e, nil
}

var _ Codec = DefaultCodec{}
