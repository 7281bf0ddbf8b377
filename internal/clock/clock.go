// Package clock lets the backoff and polling loops run on real time in
// production and on manually advanced time in tests.
package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Clock is the subset of the time package the loops use.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine once d has elapsed on this clock.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop cancels the call. It reports false if the call already ran or was
	// already stopped.
	Stop() bool
}

// Sleep waits d on c. It returns ctx.Err() as soon as ctx is done and stops
// the timer so nothing stays pending on a MockClock.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	fired := make(chan struct{})
	t := c.AfterFunc(d, func() { close(fired) })
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-fired:
		return nil
	}
}

// RealClock is backed by the time package.
type RealClock struct{}

// NewRealClock returns the wall clock
func NewRealClock() *RealClock {
	return &RealClock{}
}

// Now returns time.Now()
func (RealClock) Now() time.Time {
	return time.Now()
}

// AfterFunc wraps time.AfterFunc
func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// MockClock only moves when Advance is called. Timers due within an Advance
// run in deadline order, synchronously, before Advance returns.
type MockClock struct {
	mu     sync.Mutex
	cond   *sync.Cond
	now    time.Time
	timers []*mockTimer
}

type mockTimer struct {
	clock    *MockClock
	deadline time.Time
	f        func()
	done     bool // fired or stopped; guarded by clock.mu
}

// NewMockClock returns a clock reading start
func NewMockClock(start time.Time) *MockClock {
	c := &MockClock{now: start}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Now returns the mock time
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run once the clock has been advanced past d
func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &mockTimer{clock: c, deadline: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	c.cond.Broadcast()
	return t
}

// Pending returns the number of timers that have neither fired nor been stopped.
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// BlockUntil waits until at least n timers are pending. Tests use it to make
// sure a loop has parked on a timer before advancing time.
func (c *MockClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.timers) < n {
		c.cond.Wait()
	}
}

// Advance moves the clock forward by d and runs every timer that became due.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)

	var due, pending []*mockTimer
	for _, t := range c.timers {
		if t.deadline.After(c.now) {
			pending = append(pending, t)
			continue
		}
		t.done = true
		due = append(due, t)
	}
	c.timers = pending
	c.cond.Broadcast()
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.f()
	}
}

func (t *mockTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	for i, other := range c.timers {
		if other == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			break
		}
	}
	c.cond.Broadcast()
	return true
}
