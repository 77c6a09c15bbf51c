// Package lazy provides memoizing state cells that coalesce concurrent first calls.
package lazy

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// State is the resolution state of a Cell.
type State int

const (
	Unresolved State = iota
	Pending
	Resolved
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Cell memoizes the first successful result of a resolver.
// Concurrent callers of Get share one in-flight resolution. Errors are
// returned to every waiter of that flight and are never stored, so the
// next Get starts a fresh resolution.
// The zero value is ready to use.
type Cell[T any] struct {
	mu    sync.Mutex
	state State
	value T
	group singleflight.Group
}

// Get returns the memoized value, resolving it with fn if needed.
//
// fn runs detached from the cancellation of the caller that started the
// flight, keeping its values. A caller whose ctx ends stops waiting and gets
// ctx.Err(); the flight keeps running for the other waiters and its result is
// still memoized.
func (c *Cell[T]) Get(ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := c.Peek(); ok {
		return v, nil
	}
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("", func() (any, error) {
		c.mu.Lock()
		if c.state == Resolved {
			v := c.value
			c.mu.Unlock()
			return v, nil
		}
		c.state = Pending
		c.mu.Unlock()

		v, err := fn(flightCtx)

		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.state = Unresolved
			return nil, err
		}
		c.value = v
		c.state = Resolved
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// Peek returns the value without resolving it.
func (c *Cell[T]) Peek() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Resolved {
		var zero T
		return zero, false
	}
	return c.value, true
}

// State returns the current state of the cell.
func (c *Cell[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
