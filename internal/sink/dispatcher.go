package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// PoolSize is the number of delivery goroutines. Zero delivers
	// synchronously.
	PoolSize int
	// Timeout bounds each Send.
	Timeout time.Duration
	// OnFailure observes failed deliveries.
	OnFailure func(err error)
}

// Dispatcher fans payloads out to sinks without making the caller wait.
type Dispatcher struct {
	sinks []Sink
	pool  *ants.Pool
	opts  DispatcherOptions
	wg    sync.WaitGroup
}

// NewDispatcher creates a dispatcher for sinks.
func NewDispatcher(sinks []Sink, opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	d := &Dispatcher{sinks: sinks, opts: opts}
	if opts.PoolSize > 0 {
		pool, err := ants.NewPool(opts.PoolSize, ants.WithNonblocking(true))
		if err != nil {
			return nil, fmt.Errorf("create delivery pool: %w", err)
		}
		d.pool = pool
	}
	return d, nil
}

// Sinks returns the number of configured sinks.
func (d *Dispatcher) Sinks() int {
	return len(d.sinks)
}

// Deliver hands payload to every sink. Sends run on the pool; when the pool
// is missing, closed or saturated they run on the caller's goroutine instead.
// Deliveries are detached from ctx cancellation so a closing caller does not
// abort them, but they keep its values.
func (d *Dispatcher) Deliver(ctx context.Context, payload string) {
	if payload == "" {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, s := range d.sinks {
		d.wg.Add(1)
		task := func() {
			defer d.wg.Done()
			sctx, cancel := context.WithTimeout(base, d.opts.Timeout)
			defer cancel()
			if err := s.Send(sctx, payload); err != nil && d.opts.OnFailure != nil {
				d.opts.OnFailure(err)
			}
		}
		if d.pool == nil || d.pool.Submit(task) != nil {
			task()
		}
	}
}

// Wait blocks until every accepted delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close waits for pending deliveries and releases the pool.
func (d *Dispatcher) Close() {
	d.Wait()
	if d.pool != nil {
		d.pool.Release()
	}
}
