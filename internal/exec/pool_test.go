package exec

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmit_RunsTask(t *testing.T) {
	t.Parallel()

	p := New(1, 4, nil, nil, nil)
	defer p.Close()

	done := make(chan struct{})
	if !p.Submit(func() { close(done) }) {
		t.Fatal("Submit should accept a task with room in the queue")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted task never ran")
	}
}

func TestSubmit_DiscardsOnFullQueue(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	var dropped int64
	p := New(1, 1, nil, func() { atomic.AddInt64(&dropped, 1) }, nil)
	defer func() {
		close(block)
		p.Close()
	}()

	// Occupy the single worker so queued tasks pile up behind it.
	started := make(chan struct{})
	if !p.Submit(func() { close(started); <-block }) {
		t.Fatal("first submit should be accepted")
	}
	<-started

	// Fill the one-deep queue, then overflow it.
	if !p.Submit(func() {}) {
		t.Fatal("second submit should fill the queue")
	}
	if p.Submit(func() {}) {
		t.Fatal("third submit should be discarded — queue is full")
	}
	if atomic.LoadInt64(&dropped) != 1 {
		t.Fatalf("onDrop should have fired exactly once, fired %d times", dropped)
	}
}

// A panic inside a task must be recovered and reported via onPanic,
// not left to crash the worker goroutine (spec §4.F/§7: "must not
// terminate the worker").
func TestDispatch_RecoversPanicAndKeepsWorkerAlive(t *testing.T) {
	t.Parallel()

	var recovered atomic.Value
	var wg sync.WaitGroup
	wg.Add(1)

	p := New(1, 4, nil, nil, func(r any) {
		recovered.Store(r)
		wg.Done()
	})
	defer p.Close()

	p.Submit(func() { panic("boom") })
	wg.Wait()

	if got, _ := recovered.Load().(string); got != "boom" {
		t.Fatalf("onPanic recovered value = %v, want %q", got, "boom")
	}

	// The worker must still be usable after recovering a panic.
	done := make(chan struct{})
	if !p.Submit(func() { close(done) }) {
		t.Fatal("Submit after a recovered panic should still be accepted")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not process a task submitted after a panic")
	}
}

func TestDispatch_NilOnPanicDoesNotPanic(t *testing.T) {
	t.Parallel()

	p := New(1, 4, nil, nil, nil)
	defer p.Close()

	done := make(chan struct{})
	p.Submit(func() { panic("ignored") })
	if !p.Submit(func() { close(done) }) {
		t.Fatal("Submit after a panic with no onPanic handler should still be accepted")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not recover from a panic with a nil onPanic handler")
	}
}
