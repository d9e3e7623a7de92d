package metrics

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("metrics cache closed")

// flight is the cancellation scope shared by every caller waiting on one
// collection.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// join registers the caller as a waiter on the collection for key and
// returns the collection's context. The context is cancelled once every
// waiter has left, when the cache is closed, or after CollectTimeout.
func (c *Cache) join(key string) (context.Context, func()) {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()

	f, ok := c.flights[key]
	if !ok {
		ctx, cancel := context.WithTimeout(c.life, c.collectTimeout)
		f = &flight{ctx: ctx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++

	return f.ctx, func() {
		c.flightMu.Lock()
		defer c.flightMu.Unlock()
		f.waiters--
		if f.waiters > 0 {
			return
		}
		f.cancel()
		if c.flights[key] == f {
			delete(c.flights, key)
		}
	}
}

// begin marks a sampler run as in flight. It fails once Close has started.
func (c *Cache) begin() bool {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	if c.closed {
		return false
	}
	c.inflight.Add(1)
	return true
}

// abandoned reports a cancelled collection. A timed-out one still yields its
// degraded result.
func abandoned(ctx context.Context) error {
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// Close cancels every in-flight collection, which kills the samplers they
// spawned, and waits for them to return. Later collections fail with
// ErrClosed.
func (c *Cache) Close() {
	c.flightMu.Lock()
	c.closed = true
	c.flightMu.Unlock()

	c.stop()
	c.inflight.Wait()
}
