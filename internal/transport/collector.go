package transport

import (
	"sync"
	"time"

	"github.com/paboldin/rally-agent/internal/envelope"
)

// Collector is the master-side half of the collector adapter (§4.1): a
// lazy sequence of incoming replies plus a bounded-wait poll. Because Go
// channels have no non-destructive peek, Poll dequeues eagerly and holds
// the result in a one-slot lookahead buffer for the following Receive —
// from the engine's point of view the two calls behave exactly like the
// documented "poll, then receive the message poll found".
type Collector struct {
	ch chan *envelope.Reply

	mu            sync.Mutex
	lookahead     *envelope.Reply
	haveLookahead bool
	closed        bool
}

func newCollector() *Collector {
	return &Collector{ch: make(chan *envelope.Reply, 1024)}
}

func (c *Collector) push(r *envelope.Reply) {
	select {
	case c.ch <- r:
	default:
		// Collector buffer full: the master isn't keeping up. Drop rather
		// than block every agent's push connection.
	}
}

func (c *Collector) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// Poll blocks until at least one reply is available or timeout elapses,
// returning whether one was found.
func (c *Collector) Poll(timeout time.Duration) bool {
	c.mu.Lock()
	if c.haveLookahead {
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	if timeout < 0 {
		timeout = 0
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r, ok := <-c.ch:
		if !ok {
			return false
		}
		c.mu.Lock()
		c.lookahead = r
		c.haveLookahead = true
		c.mu.Unlock()
		return true
	case <-timer.C:
		return false
	}
}

// Receive returns the reply found by the most recent successful Poll, or
// blocks for one if Poll was not called (or returned false but a reply
// arrived immediately after).
func (c *Collector) Receive() (*envelope.Reply, bool) {
	c.mu.Lock()
	if c.haveLookahead {
		r := c.lookahead
		c.lookahead = nil
		c.haveLookahead = false
		c.mu.Unlock()
		return r, true
	}
	c.mu.Unlock()

	r, ok := <-c.ch
	return r, ok
}
