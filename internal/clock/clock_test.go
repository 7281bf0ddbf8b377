package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClock_AdvanceFiresExpiredTimers(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	fired := make(chan struct{}, 1)
	c.AfterFunc(5*time.Second, func() { fired <- struct{}{} })

	c.Advance(4 * time.Second)
	select {
	case <-fired:
		t.Fatal("timer fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case <-fired:
	default:
		t.Fatal("timer did not fire at its deadline")
	}
	assert.Equal(t, start.Add(5*time.Second), c.Now())
}

func TestMockClock_StopPreventsFiring(t *testing.T) {
	c := NewMockClock(time.Now())

	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(2 * time.Second)
	assert.False(t, called)
	assert.Equal(t, 0, c.Pending())
}

func TestMockClock_FiresInDeadlineOrder(t *testing.T) {
	c := NewMockClock(time.Now())

	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "third") })
	c.AfterFunc(time.Second, func() { order = append(order, "first") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "second") })
	c.AfterFunc(time.Minute, func() { order = append(order, "later") })
	require.Equal(t, 4, c.Pending())

	c.Advance(5 * time.Second)
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, 1, c.Pending())
}

func TestRealClock_AfterFunc(t *testing.T) {
	fired := make(chan struct{})
	NewRealClock().AfterFunc(time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("real timer never fired")
	}
}

func TestMockClock_BlockUntil(t *testing.T) {
	c := NewMockClock(time.Now())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Sleep(context.Background(), c, 10*time.Second)
	}()

	c.BlockUntil(1)
	c.Advance(10 * time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sleeper was not woken by Advance")
	}
}

func TestSleep_ReturnsOnCancel(t *testing.T) {
	c := NewMockClock(time.Now())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- Sleep(ctx, c, time.Hour) }()

	c.BlockUntil(1)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Sleep did not observe cancellation")
	}
	assert.Equal(t, 0, c.Pending())
}
