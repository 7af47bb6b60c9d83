package invoke

import (
	"context"
	"sync"
)

// Future is the eventual outcome of an invoke: true when the server accepted it.
type Future struct {
	once sync.Once
	done chan struct{}
	ok   bool
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns an already-completed future.
func Resolved(ok bool) *Future {
	f := newFuture()
	f.resolve(ok)
	return f
}

func (f *Future) resolve(ok bool) {
	f.once.Do(func() {
		f.ok = ok
		close(f.done)
	})
}

// Done is closed once the outcome is known.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result reports the outcome and whether it is known yet.
func (f *Future) Result() (ok, done bool) {
	select {
	case <-f.done:
		return f.ok, true
	default:
		return false, false
	}
}

// Wait blocks for the outcome. A cancelled ctx reads as false; the invoke
// itself is not affected.
func (f *Future) Wait(ctx context.Context) bool {
	select {
	case <-f.done:
		return f.ok
	case <-ctx.Done():
		return false
	}
}
