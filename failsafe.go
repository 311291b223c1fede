package coldcache

import "fmt"

// envelope is the failsafe envelope (spec §4.D): it runs fn and, when fn
// fails with a transient storage error, reports the fault and returns
// the caller-supplied default instead of propagating. Any other error
// propagates unchanged.
type envelope struct {
	reporter   ErrorReporter
	handler    func(tag string, err error, returning any)
	classifier TransientClassifier
	metrics    Metrics
}

// runFailsafe executes fn under the failsafe envelope with tag and default def.
func runFailsafe[T any](e *envelope, tag string, def T, fn func() (T, error)) (T, error) {
	v, err := fn()
	if err == nil {
		return v, nil
	}
	if !isTransient(err, e.classifier) {
		return v, err
	}

	e.metrics.FailsafeTrip(tag)
	e.reporter.ReportWarning(tag, err)
	if e.handler != nil {
		e.handler(tag, err, def)
	}
	return def, nil
}

// reportAsyncPanic routes a recovered background-task panic to the same
// reporter/handler path as a swallowed transient error, tagged "async"
// (spec §4.F/§7: "Uncaught exceptions inside a task are routed to the
// failsafe error-handler with tag = async"). There is no caller-supplied
// default to fall back to for a background task, so nil is reported as
// the "returning" value.
func (e *envelope) reportAsyncPanic(recovered any) {
	err := fmt.Errorf("coldcache: async task panic: %v", recovered)
	e.metrics.FailsafeTrip("async")
	e.reporter.ReportWarning("async", err)
	if e.handler != nil {
		e.handler("async", err, nil)
	}
}
