package camera

import (
	"context"
	"sync"
	"sync/atomic"
)

// Cell holds the most recent frame. Store overwrites and never blocks;
// readers either Load the current value or Wait for a newer one.
type Cell struct {
	cur atomic.Pointer[Frame]

	mu      sync.Mutex
	changed chan struct{}
}

// Store publishes f and wakes every waiter.
func (c *Cell) Store(f *Frame) {
	c.cur.Store(f)
	c.mu.Lock()
	if c.changed != nil {
		close(c.changed)
		c.changed = nil
	}
	c.mu.Unlock()
}

// Load returns the latest frame, or nil if none has been stored.
func (c *Cell) Load() *Frame {
	return c.cur.Load()
}

// Seq returns the sequence number of the latest frame, 0 when empty.
func (c *Cell) Seq() uint64 {
	if f := c.cur.Load(); f != nil {
		return f.Seq
	}
	return 0
}

// Changed returns a channel closed at the next Store.
func (c *Cell) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.changed == nil {
		c.changed = make(chan struct{})
	}
	return c.changed
}

// Wait blocks until a frame with Seq greater than after is available.
// Intermediate frames are skipped; only the latest is returned.
func (c *Cell) Wait(ctx context.Context, after uint64) (*Frame, error) {
	for {
		ch := c.Changed()
		if f := c.cur.Load(); f != nil && f.Seq > after {
			return f, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
