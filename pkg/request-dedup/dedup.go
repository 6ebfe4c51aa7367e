// Package dedup collapses concurrent calls for the same normalized request
// identity into one.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ErrPanicked is returned to every caller when the leading call panics.
var ErrPanicked = errors.New("dedup: call panicked")

// Group is a table of in-flight calls.
// An entry lives from the start of the leading call until it returns, and at
// most for the configured TTL; after that a new call may start for the key.
type Group[T any] struct {
	calls *gocache.Cache
	ttl   time.Duration
	// orders Add against the leader's own removal
	mu sync.Mutex
}

type call[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// New creates a table whose entries live at most ttl.
func New[T any](ttl time.Duration) *Group[T] {
	return &Group[T]{
		calls: gocache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

// Do runs fn once for all concurrent callers of the same key.
// Followers wait for the leader's result or for their own ctx.
// The returned bool reports whether the result was shared with another caller.
func (g *Group[T]) Do(ctx context.Context, key string, fn func() (T, error)) (T, bool, error) {
	for {
		c := &call[T]{done: make(chan struct{})}
		g.mu.Lock()
		err := g.calls.Add(key, c, g.ttl)
		g.mu.Unlock()
		if err == nil {
			g.run(key, c, fn)
			return c.val, false, c.err
		}
		existing, ok := g.calls.Get(key)
		if !ok {
			// leader finished between Add and Get
			continue
		}
		leader := existing.(*call[T])
		select {
		case <-leader.done:
			return leader.val, true, leader.err
		case <-ctx.Done():
			var zero T
			return zero, true, ctx.Err()
		}
	}
}

func (g *Group[T]) run(key string, c *call[T], fn func() (T, error)) {
	defer func() {
		if r := recover(); r != nil {
			c.err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
		close(c.done)
		g.mu.Lock()
		defer g.mu.Unlock()
		// a leader that outlived its TTL must not drop its successor
		if existing, ok := g.calls.Get(key); ok && existing.(*call[T]) == c {
			g.calls.Delete(key)
		}
	}()
	c.val, c.err = fn()
}

// InFlight returns the number of calls currently in the table.
func (g *Group[T]) InFlight() int {
	return g.calls.ItemCount()
}
