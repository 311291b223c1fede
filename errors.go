package coldcache

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
)

// ErrUnsupported is returned by operations the core deliberately does not
// implement (spec §4.G: Cleanup).
var ErrUnsupported = errors.New("coldcache: unsupported operation")

// ErrNoShards is returned by New when no shards are configured.
var ErrNoShards = errors.New("coldcache: no shards configured")

// ErrAmbiguousShardConfig is returned by New when more than one of
// database / databases / connects_to is supplied (spec §6: mutually
// exclusive).
var ErrAmbiguousShardConfig = errors.New("coldcache: database, databases, and connects_to are mutually exclusive")

// TransientClassifier reports whether err represents a transient storage
// fault (adapter timeout, connection loss, deadlock, lock-wait timeout,
// query cancellation, statement timeout) that the failsafe envelope
// should swallow, per spec §4.D/§7. The classification list is meant to
// be exhaustive relative to the storage driver's own taxonomy; unknown
// errors must propagate, so implementations should return false rather
// than guess.
type TransientClassifier func(error) bool

// defaultTransientClassifier recognizes the error values the standard
// library's database/sql and net packages use for the transient
// conditions spec §4.D/§7 enumerate. Driver-specific errors (a MySQL
// deadlock code, a Postgres lock_not_available SQLSTATE, ...) are outside
// the standard library's vocabulary; hosts using such a driver supply an
// additional classifier via Config.TransientClassifier, which is OR'd
// with this one.
func defaultTransientClassifier(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, sql.ErrTxDone),
		errors.Is(err, driver.ErrBadConn):
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// isTransient combines the default classifier with an optional
// host-supplied one (spec §4.D: "any collaborator-declared equivalent").
func isTransient(err error, extra TransientClassifier) bool {
	if defaultTransientClassifier(err) {
		return true
	}
	if extra != nil {
		return extra(err)
	}
	return false
}
