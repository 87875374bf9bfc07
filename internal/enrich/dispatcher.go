package enrich

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type job struct {
	provider   ProviderID
	placeID    string
	name       string
	address    string
	cityHint   string
	requestID  string
	channel    string
	lockToken  string
	enqueuedAt time.Time
}

// dispatcher runs jobs on a fixed number of goroutines fed by a bounded
// queue. The worker count is the process-wide cap on concurrent lookups.
type dispatcher struct {
	jobs    chan job
	run     func(job)
	mu      sync.RWMutex
	closing bool
	wg      sync.WaitGroup

	running   atomic.Int64
	completed atomic.Uint64
}

func newDispatcher(workers, queueSize int, run func(job)) *dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	d := &dispatcher{
		jobs: make(chan job, queueSize),
		run:  run,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// submit hands j to the pool without waiting for it to run.
func (d *dispatcher) submit(j job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closing {
		return fmt.Errorf("%w: dispatcher closed", ErrDispatchUnavailable)
	}
	select {
	case d.jobs <- j:
		return nil
	default:
		return fmt.Errorf("%w: queue full", ErrDispatchUnavailable)
	}
}

func (d *dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.running.Add(1)
		d.run(j)
		d.running.Add(-1)
		d.completed.Add(1)
	}
}

func (d *dispatcher) queued() int {
	return len(d.jobs)
}

func (d *dispatcher) capacity() int {
	return cap(d.jobs)
}

// close stops accepting jobs, lets queued jobs finish and waits for the
// workers or ctx, whichever comes first.
func (d *dispatcher) close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closing {
		d.closing = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
