// Package workpool bounds concurrent synchronous work such as password
// hashing so a burst of logins cannot starve request handling.
package workpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// DefaultSize is used when New is given a non-positive size.
const DefaultSize = 20

// Pool runs functions with at most Size running at once.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// New returns a pool of the given size.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size reports the configured concurrency.
func (p *Pool) Size() int { return p.size }

// Do waits for a slot and runs fn on the calling goroutine. It returns
// ctx.Err() if the context ends before a slot frees up.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
