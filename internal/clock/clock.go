// Package clock abstracts time for the components that schedule work:
// reconnect backoff, the read-receipt debounce and the notification poller.
package clock

import (
	"sort"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type wall struct{}

func (wall) Now() time.Time { return time.Now() }

func (wall) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Real is the wall clock.
var Real Clock = wall{}

// Fake is a manually advanced clock. Timers fire only from Advance or
// FireNext, on the calling goroutine.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *Fake
	seq     int
	at      time.Time
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, seq: c.seq, at: c.now.Add(d), delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Pending returns the delays of armed timers in the order they were armed.
func (c *Fake) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}

// Advance moves the clock forward by d and fires every timer that comes due,
// earliest first.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		next.fired = true
		c.mu.Unlock()
		next.f()
	}
}

// FireNext jumps to the earliest armed timer and fires it. It reports false
// when nothing is armed.
func (c *Fake) FireNext() bool {
	c.mu.Lock()
	next := c.nextDueLocked(time.Time{})
	if next == nil {
		c.mu.Unlock()
		return false
	}
	if next.at.After(c.now) {
		c.now = next.at
	}
	next.fired = true
	c.mu.Unlock()
	next.f()
	return true
}

// nextDueLocked returns the earliest armed timer due at or before limit, or
// the earliest overall when limit is zero.
func (c *Fake) nextDueLocked(limit time.Time) *fakeTimer {
	var armed []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			armed = append(armed, t)
		}
	}
	sort.Slice(armed, func(i, j int) bool {
		if armed[i].at.Equal(armed[j].at) {
			return armed[i].seq < armed[j].seq
		}
		return armed[i].at.Before(armed[j].at)
	})
	if len(armed) == 0 {
		return nil
	}
	if !limit.IsZero() && armed[0].at.After(limit) {
		return nil
	}
	return armed[0]
}
