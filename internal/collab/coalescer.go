package collab

import (
	"context"
	"sync"
	"time"
)

// Coalescer collapses bursts of local edits to one scalar into a single
// write issued after a quiet period. While a local edit is unwritten it
// wins over remote values; once its write settles the remote value is
// authoritative again. A failed write reverts to the last remote value.
type Coalescer[T comparable] struct {
	ctx   context.Context
	quiet time.Duration
	write func(context.Context, T) error

	// OnChange and OnError run outside the lock.
	onChange func(T)
	onError  func(error)

	mu      sync.Mutex
	local   T
	remote  T
	dirty   bool
	gen     uint64
	timer   *time.Timer
	closed  bool
	writing sync.WaitGroup
}

func NewCoalescer[T comparable](ctx context.Context, quiet time.Duration, write func(context.Context, T) error, onChange func(T), onError func(error)) *Coalescer[T] {
	if onChange == nil {
		onChange = func(T) {}
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Coalescer[T]{ctx: ctx, quiet: quiet, write: write, onChange: onChange, onError: onError}
}

// SetValue records a local edit and restarts the quiet period.
func (c *Coalescer[T]) SetValue(v T) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.local = v
	c.dirty = true
	c.gen++
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.quiet, func() { c.flush(gen) })
	c.mu.Unlock()

	c.onChange(v)
}

// Observe feeds a remote value. It is shown only when no local edit is
// outstanding.
func (c *Coalescer[T]) Observe(v T) {
	c.mu.Lock()
	c.remote = v
	if c.dirty || c.closed || c.local == v {
		c.mu.Unlock()
		return
	}
	c.local = v
	c.mu.Unlock()

	c.onChange(v)
}

func (c *Coalescer[T]) Value() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// Dirty reports whether a local edit has not been written yet.
func (c *Coalescer[T]) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

func (c *Coalescer[T]) flush(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	v := c.local
	c.writing.Add(1)
	c.mu.Unlock()
	defer c.writing.Done()

	err := c.write(c.ctx, v)

	c.mu.Lock()
	// A newer edit arrived during the write; its own flush decides.
	if gen != c.gen {
		c.mu.Unlock()
		if err != nil {
			c.onError(err)
		}
		return
	}
	c.dirty = false
	if err == nil {
		c.mu.Unlock()
		return
	}
	reverted := c.remote
	changed := c.local != reverted
	c.local = reverted
	c.mu.Unlock()

	if changed {
		c.onChange(reverted)
	}
	c.onError(err)
}

// Close drops any unwritten edit and waits for an in-flight write.
func (c *Coalescer[T]) Close() {
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.writing.Wait()
}
