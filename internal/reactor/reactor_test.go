package reactor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/spool/internal/testutil"
)

func TestReactor_RunDue_FiresDueTimersOnce(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	r := New(WithClock(clock))

	var calls int
	r.Register(func(now time.Time) Next {
		calls++
		return Again
	}, time.Time{})

	assert.Equal(t, 1, r.RunDue())
	assert.Equal(t, 1, r.RunDue())
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, r.Len())
}

func TestReactor_After_DelaysNextRun(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	r := New(WithClock(clock))

	var calls int
	r.Register(func(now time.Time) Next {
		calls++
		return After(100 * time.Millisecond)
	}, time.Time{})

	require.Equal(t, 1, r.RunDue())
	assert.Equal(t, 0, r.RunDue(), "timer should not be due before its delay")

	clock.Advance(99 * time.Millisecond)
	assert.Equal(t, 0, r.RunDue())

	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, r.RunDue())
	assert.Equal(t, 2, calls)
}

func TestReactor_Stop_Deregisters(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	r := New(WithClock(clock))

	r.Register(func(now time.Time) Next { return Stop }, time.Time{})
	require.Equal(t, 1, r.Len())

	r.RunDue()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.RunDue())
}

func TestReactor_FutureRegistration(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	r := New(WithClock(clock))

	r.Register(func(now time.Time) Next { return Stop }, clock.Now().Add(time.Second))
	assert.Equal(t, 0, r.RunDue())

	clock.Advance(time.Second)
	assert.Equal(t, 1, r.RunDue())
}

func TestReactor_UnregisterDuringCallback_DiscardsDirective(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	r := New(WithClock(clock))

	var timer *Timer
	timer = r.Register(func(now time.Time) Next {
		r.Unregister(timer)
		return Again
	}, time.Time{})

	r.RunDue()
	assert.Equal(t, 0, r.Len())
}

func TestReactor_Unregister_Idempotent(t *testing.T) {
	r := New()
	timer := r.Register(func(now time.Time) Next { return Again }, time.Now().Add(time.Hour))

	r.Unregister(timer)
	r.Unregister(timer)
	r.Unregister(nil)
	assert.Equal(t, 0, r.Len())
}

func TestReactor_EqualWakeTimesRoundRobin(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	r := New(WithClock(clock))

	var order []string
	r.Register(func(now time.Time) Next {
		order = append(order, "a")
		return Again
	}, time.Time{})
	r.Register(func(now time.Time) Next {
		order = append(order, "b")
		return Again
	}, time.Time{})

	r.RunDue()
	r.RunDue()
	assert.Equal(t, []string{"a", "b", "a", "b"}, order)
}

func TestReactor_Run_StopsOnContextCancel(t *testing.T) {
	r := New()

	var calls atomic.Int32
	r.Register(func(now time.Time) Next {
		if calls.Add(1) >= 3 {
			return Stop
		}
		return After(time.Millisecond)
	}, time.Time{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReactor_Run_WakesOnRegister(t *testing.T) {
	r := New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	fired := make(chan struct{})
	r.Register(func(now time.Time) Next {
		close(fired)
		return Stop
	}, time.Time{})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer registered after Run started never fired")
	}
}

func TestAfter_NegativeClamped(t *testing.T) {
	assert.Equal(t, time.Duration(0), After(-time.Second).Delay())
	assert.False(t, After(time.Second).IsStop())
	assert.True(t, Stop.IsStop())
}
