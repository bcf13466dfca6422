package runner

import (
	"context"
	"sync/atomic"
)

// Canceller is a one-shot cancellation signal scoped to a single run. Every
// goroutine serving the run watches Done.
type Canceller struct {
	ctx    context.Context
	cancel context.CancelFunc
	fired  atomic.Bool
}

// NewCanceller derives a run-scoped signal from parent.
func NewCanceller(parent context.Context) *Canceller {
	ctx, cancel := context.WithCancel(parent)
	return &Canceller{ctx: ctx, cancel: cancel}
}

// Signal fires the cancellation. It reports false if it had already fired.
func (c *Canceller) Signal() bool {
	if !c.fired.CompareAndSwap(false, true) {
		return false
	}
	c.cancel()
	return true
}

// Fired reports whether Signal has been called.
func (c *Canceller) Fired() bool {
	return c.fired.Load()
}

// Done is closed once the run is cancelled or its parent context ends.
func (c *Canceller) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Context returns the run-scoped context.
func (c *Canceller) Context() context.Context {
	return c.ctx
}

// release frees the context resources without marking the run cancelled.
func (c *Canceller) release() {
	c.cancel()
}
