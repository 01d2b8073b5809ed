package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultDebounceDelay collapses rapid repeated user triggers
const DefaultDebounceDelay = 300 * time.Millisecond

// ErrCanceled is returned to callers whose debounced call was dropped
var ErrCanceled = errors.New("debounced call canceled")

type debounceResult[T any] struct {
	val T
	err error
}

type debounceCall[T any] struct {
	timer   *time.Timer
	ctx     context.Context
	fn      func(context.Context) (T, error)
	waiters []chan debounceResult[T]
}

// Debouncer runs the last call made for a key once the key has been quiet
// for the delay. Every caller collapsed into that window gets its result.
type Debouncer[T any] struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*debounceCall[T]
	stopped bool
}

// NewDebouncer creates a debouncer. A non-positive delay uses DefaultDebounceDelay.
func NewDebouncer[T any](delay time.Duration) *Debouncer[T] {
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	return &Debouncer[T]{
		delay:   delay,
		pending: make(map[string]*debounceCall[T]),
	}
}

// Do schedules fn under key and blocks until the collapsed call completes,
// ctx is done, or the call is canceled.
func (d *Debouncer[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	ch := make(chan debounceResult[T], 1)

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return zero, ErrCanceled
	}
	c, ok := d.pending[key]
	if ok {
		c.timer.Reset(d.delay)
		c.ctx = ctx
		c.fn = fn
		c.waiters = append(c.waiters, ch)
	} else {
		c = &debounceCall[T]{ctx: ctx, fn: fn, waiters: []chan debounceResult[T]{ch}}
		d.pending[key] = c
		c.timer = time.AfterFunc(d.delay, func() { d.fire(key, c) })
	}
	d.mu.Unlock()

	select {
	case res := <-ch:
		return res.val, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Flush runs every pending call now and waits for them
func (d *Debouncer[T]) Flush() {
	d.mu.Lock()
	calls := make([]*debounceCall[T], 0, len(d.pending))
	for key, c := range d.pending {
		c.timer.Stop()
		delete(d.pending, key)
		calls = append(calls, c)
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range calls {
		wg.Add(1)
		go func(c *debounceCall[T]) {
			defer wg.Done()
			run(c)
		}(c)
	}
	wg.Wait()
}

// Cancel drops every pending call. Waiters receive ErrCanceled.
func (d *Debouncer[T]) Cancel() {
	d.mu.Lock()
	calls := d.pending
	d.pending = make(map[string]*debounceCall[T])
	for _, c := range calls {
		c.timer.Stop()
	}
	d.mu.Unlock()

	var zero T
	for _, c := range calls {
		deliver(c, debounceResult[T]{val: zero, err: ErrCanceled})
	}
}

// Stop cancels pending calls and rejects new ones
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.Cancel()
}

// Pending reports how many keys are waiting to fire
func (d *Debouncer[T]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Debouncer[T]) fire(key string, c *debounceCall[T]) {
	d.mu.Lock()
	if d.pending[key] != c {
		// flushed, canceled, or a re-armed timer after an earlier fire
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	run(c)
}

func run[T any](c *debounceCall[T]) {
	val, err := c.fn(c.ctx)
	deliver(c, debounceResult[T]{val: val, err: err})
}

func deliver[T any](c *debounceCall[T], res debounceResult[T]) {
	for _, ch := range c.waiters {
		ch <- res
	}
}
