package loader

import "sync"

// dispatcher delivers all progress and completion callbacks of a loader from
// a single dedicated goroutine, in FIFO order. Callers therefore always see
// their callbacks on one consistent execution context, no matter which
// worker produced the result.
type dispatcher struct {
	mu     sync.Mutex
	closed bool
	ch     chan func()

	doneCh chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		ch:     make(chan func(), 1024),
		doneCh: make(chan struct{}),
	}
	go d.run()

	return d
}

func (d *dispatcher) run() {
	defer close(d.doneCh)

	for f := range d.ch {
		f()
	}
}

// Dispatch enqueues a callback. Callbacks enqueued after Close are dropped.
func (d *dispatcher) Dispatch(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.ch <- f
}

// Close stops the delivery goroutine after draining already enqueued
// callbacks.
func (d *dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()

	<-d.doneCh
}
