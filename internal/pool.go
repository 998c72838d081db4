package internal

type WorkerPool struct {
	N  int
	ch chan func()
}

// Create a new worker pool of size N. Up to N work can be done concurrently.
// Used by the fan-out engine to bound the number of simultaneous pushes: one
// slow client must not stall delivery to others, but an unbounded goroutine per
// connection would let a burst of posts exhaust memory. If more than N work is
// requested, WorkerPool.Queue eventually blocks until some work is done.
//
// The channel buffer is set to N so backpressure lands on the producer once N
// work is in flight and N more is queued, bounding memory consumption without
// making the channel the bottleneck for instantaneous bursts.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N:  n,
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Only really useful for tests as a worker pool should be started once
// and persist for the lifetime of the process, else it causes needless goroutine churn.
// Only call this once.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue some work on the pool. May or may not block until some work is processed.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

// worker impl
func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}
