package session

import (
	"sync"
	"time"
)

// Clock is the single countdown governing one active turn or ballot. A
// handle is single-use: once stopped or expired it never ticks again, and a
// new turn gets a new handle. Orchestrators must stop the previous handle
// before starting the next one; they keep at most one live Clock at a time.
type Clock struct {
	mu      sync.Mutex
	done    chan struct{}
	stopped bool
}

// StartClock begins ticking once per second from remaining down to zero.
// onTick receives (secondsLeft, totalSeconds) after every elapsed second
// while the countdown is still positive; onExpire fires at most once when
// it reaches zero. Both run on the clock's own goroutine and receive the
// handle itself, so the owner can discard callbacks from a replaced clock.
func StartClock(remaining, total int, onTick func(c *Clock, left, total int), onExpire func(c *Clock)) *Clock {
	c := &Clock{done: make(chan struct{})}
	go c.run(remaining, total, onTick, onExpire)
	return c
}

func (c *Clock) run(remaining, total int, onTick func(c *Clock, left, total int), onExpire func(c *Clock)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	left := remaining
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			left--
			if left <= 0 {
				c.Stop()
				onExpire(c)
				return
			}
			onTick(c, left, total)
		}
	}
}

// Stop cancels pending ticks. Idempotent.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.done)
}
