// Package gateway serializes every mutation of the relational store into a
// single ordered queue. One background worker applies jobs in FIFO enqueue
// order, so two writes issued from two different connections are applied in
// the order they were enqueued. Reads never pass through here.
package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by Submit after Stop.
var ErrClosed = errors.New("gateway closed")

type job struct {
	label string
	fn    func(context.Context) error
	done  chan error
}

// Gateway is the single-writer queue in front of the store.
type Gateway struct {
	log   zerolog.Logger
	jobs  chan job
	depth atomic.Int64

	mu      sync.Mutex
	started bool
	closed  bool
	stop    chan struct{}
	stopped chan struct{}
}

func New(log zerolog.Logger) *Gateway {
	return &Gateway{
		log:     log,
		jobs:    make(chan job, 256),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the writer worker. The worker keeps draining until Stop.
func (g *Gateway) Start(ctx context.Context) {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	g.mu.Unlock()

	go func() {
		defer close(g.stopped)
		for {
			select {
			case <-g.stop:
				// Drain anything already enqueued so enqueue order is
				// honored even across shutdown.
				for {
					select {
					case j := <-g.jobs:
						g.run(ctx, j)
					default:
						return
					}
				}
			case j := <-g.jobs:
				g.run(ctx, j)
			}
		}
	}()
}

func (g *Gateway) run(ctx context.Context, j job) {
	g.depth.Add(-1)
	err := j.fn(ctx)
	if err != nil {
		g.log.Warn().Err(err).Str("op", j.label).Msg("write failed")
	}
	j.done <- err
}

// Stop shuts the worker down after draining enqueued jobs.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()
	close(g.stop)
	<-g.stopped
}

// Submit enqueues a mutation and waits for it to be applied. If ctx is
// cancelled while waiting, Submit returns early but the job still runs in
// its queue position: an in-flight write is never rolled back.
func (g *Gateway) Submit(ctx context.Context, label string, fn func(context.Context) error) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	g.mu.Unlock()

	j := job{label: label, fn: fn, done: make(chan error, 1)}
	g.depth.Add(1)
	select {
	case g.jobs <- j:
	case <-ctx.Done():
		g.depth.Add(-1)
		return ctx.Err()
	case <-g.stop:
		// Stop raced this enqueue; the worker may already be gone, so
		// blocking on a full queue here would never return.
		g.depth.Add(-1)
		return ErrClosed
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-g.stopped:
		// The worker drained and exited. The job either ran during the
		// drain or was enqueued just after it; check before giving up.
		select {
		case err := <-j.done:
			return err
		default:
			return ErrClosed
		}
	}
}

// Depth reports the number of jobs waiting in the queue.
func (g *Gateway) Depth() int {
	return int(g.depth.Load())
}
