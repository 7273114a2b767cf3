package core

import (
	"context"
	"errors"

	"OptionVault/internal/command"
	"OptionVault/internal/event"
	"OptionVault/internal/observability"
)

// ErrDispatcherStopped is returned for work submitted after Run returned.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Dispatcher owns the engine goroutine. Transports submit commands and
// queries to it; they run one at a time in arrival order.
type Dispatcher struct {
	engine   *VaultEngine
	requests chan request
	stopped  chan struct{}
	metrics  *observability.Metrics
}

type request struct {
	fn   func(*VaultEngine)
	done chan struct{}
}

func NewDispatcher(engine *VaultEngine, queueSize int, metrics *observability.Metrics) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Dispatcher{
		engine:   engine,
		requests: make(chan request, queueSize),
		stopped:  make(chan struct{}),
		metrics:  metrics,
	}
}

// Run executes submitted work until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.stopped)
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-d.requests:
			req.fn(d.engine)
			close(req.done)
			if d.metrics != nil {
				d.metrics.SetChannelMetrics("dispatcher", len(d.requests), cap(d.requests))
			}
		}
	}
}

// Submit applies cmd on the engine goroutine. If ctx ends after the command
// was queued it may still be applied; the idempotency key makes a retry safe.
func (d *Dispatcher) Submit(ctx context.Context, cmd command.Command) (event.Payload, error) {
	var (
		payload event.Payload
		err     error
	)
	if qerr := d.do(ctx, func(e *VaultEngine) {
		payload, err = e.Process(cmd)
	}); qerr != nil {
		return nil, qerr
	}
	return payload, err
}

// Query runs fn on the engine goroutine. fn must not retain the engine or
// any live record it returns.
func (d *Dispatcher) Query(ctx context.Context, fn func(v *VaultEngine) error) error {
	var err error
	if qerr := d.do(ctx, func(e *VaultEngine) {
		err = fn(e)
	}); qerr != nil {
		return qerr
	}
	return err
}

func (d *Dispatcher) do(ctx context.Context, fn func(*VaultEngine)) error {
	req := request{fn: fn, done: make(chan struct{})}

	select {
	case d.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return ErrDispatcherStopped
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		// Run may have finished this request on its way out
		select {
		case <-req.done:
			return nil
		default:
			return ErrDispatcherStopped
		}
	}
}
