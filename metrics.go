package coldcache

// EvictReason explains why a row left the store.
type EvictReason int

const (
	// EvictExplicit — removed by an explicit Delete/Clear call.
	EvictExplicit EvictReason = iota
	// EvictExpiry — removed by the background expiry controller
	// (age, entry-count, or byte-size bound).
	EvictExpiry
	// EvictCollision — overwritten because a different key hashed to the
	// same key_hash (spec §7).
	EvictCollision
)

// Metrics exposes store-level observability hooks. A NoopMetrics
// implementation is used by default; plug metrics/prom.Adapter (or any
// other Metrics implementation) to export real counters.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason, n int)
	FailsafeTrip(tag string)
	ExpiryBatchScheduled()
	ExpiryBatchRun(deleted int)
	WorkerQueueDropped()
	ShardBatch(shard string, size int)
}

// NoopMetrics discards every observation. It is the default Metrics
// implementation.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                   {}
func (NoopMetrics) Miss()                  {}
func (NoopMetrics) Evict(EvictReason, int) {}
func (NoopMetrics) FailsafeTrip(string)    {}
func (NoopMetrics) ExpiryBatchScheduled()  {}
func (NoopMetrics) ExpiryBatchRun(int)     {}
func (NoopMetrics) WorkerQueueDropped()    {}
func (NoopMetrics) ShardBatch(string, int) {}

var _ Metrics = NoopMetrics{}

// ErrorReporter receives transient storage faults swallowed by the
// failsafe envelope (spec §4.D: "reports the error to an optional
// error-reporter, severity = warning, handled = true"). It is a thin
// hook; coldcache deliberately does not bundle a concrete APM client —
// spec §1 places logging/metrics sinks outside the core's scope.
type ErrorReporter interface {
	ReportWarning(tag string, err error)
}

// NoopErrorReporter discards every report. It is the default
// ErrorReporter implementation.
type NoopErrorReporter struct{}

func (NoopErrorReporter) ReportWarning(string, error) {}

var _ ErrorReporter = NoopErrorReporter{}
