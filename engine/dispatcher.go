package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"billflow/task"
)

// Future is the awaitable completion of one dispatched task.
type Future struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task attempt finished or ctx expires.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatcher polls for due tasks and executes them on a bounded worker pool.
// It assumes nothing about exclusivity: another process may poll the same
// table, and correctness is carried by claims, idempotency tokens, and
// finalize-time state guards.
type Dispatcher struct {
	svc   *Service
	log   zerolog.Logger
	poll  time.Duration
	batch int
	sem   chan struct{}
}

func NewDispatcher(svc *Service, log zerolog.Logger, poll time.Duration, workers int) *Dispatcher {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	if workers <= 0 {
		workers = 8
	}
	return &Dispatcher{
		svc:   svc,
		log:   log.With().Str("component", "dispatcher").Logger(),
		poll:  poll,
		batch: 100,
		sem:   make(chan struct{}, workers),
	}
}

// Dispatch schedules one task attempt on the worker pool and returns its
// completion. Tests await the returned Future instead of hooking callbacks.
func (d *Dispatcher) Dispatch(ctx context.Context, ref task.Ref) *Future {
	f := &Future{done: make(chan struct{})}
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		f.err = ctx.Err()
		close(f.done)
		return f
	}
	go func() {
		defer func() { <-d.sem }()
		f.err = d.svc.ProcessTask(ctx, ref)
		close(f.done)
	}()
	return f
}

// Run polls every task family until ctx is cancelled. Errors from individual
// attempts are logged inside ProcessTask and never stop the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	nowMs := d.svc.nowMs()
	for _, typ := range d.svc.Registry().Types() {
		due, err := d.svc.src.ListDue(ctx, typ, nowMs, d.batch)
		if err != nil {
			d.log.Warn().Err(err).Str("type", string(typ)).Msg("listing due tasks failed")
			continue
		}
		for _, t := range due {
			d.Dispatch(ctx, t.Ref())
		}
	}
}
