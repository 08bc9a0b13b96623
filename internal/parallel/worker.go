// Package parallel provides the static worker infrastructure of the join.
//
// A Pool runs exactly one goroutine per thread and hands each of them its
// index; work is split into contiguous slices with Span. Every goroutine is
// started before any can finish, so goroutines may synchronize on barriers
// among themselves.
package parallel

import (
	"context"
	"runtime"

	"golang.org/x/exp/constraints"
	"golang.org/x/sync/errgroup"
)

// Pool runs a fixed number of worker goroutines
type Pool struct {
	threads int
}

// NewPool creates a pool of threads workers; a non-positive count means one
// per logical CPU.
func NewPool(threads int) *Pool {
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	return &Pool{threads: threads}
}

// Threads returns the number of workers.
func (p *Pool) Threads() int {
	return p.threads
}

// Execute calls fn once per thread, concurrently, and waits for all of them.
// The context passed to fn is canceled as soon as one call returns an error;
// that first error is returned.
func (p *Pool) Execute(ctx context.Context, fn func(ctx context.Context, thread int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for thread := range p.threads {
		g.Go(func() error {
			return fn(ctx, thread)
		})
	}
	return g.Wait()
}

// Span returns the [beg, end) bounds of thread's share of n items: every
// thread gets n/threads items and the last one also takes the remainder.
func Span[T constraints.Integer](n T, threads, thread int) (beg, end T) {
	per := n / T(threads)
	beg = per * T(thread)
	end = beg + per
	if thread == threads-1 {
		end = n
	}
	return beg, end
}
