package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_EnqueueDequeue(t *testing.T) {
	q := newEventQueue()

	ok := q.Enqueue(Event{Kind: EventStarted, JobID: "job-1"})
	require.True(t, ok, "enqueue should succeed")

	got, ok := q.TryDequeue()
	require.True(t, ok, "dequeue should succeed")
	assert.Equal(t, EventStarted, got.Kind)
	assert.Equal(t, "job-1", got.JobID)
}

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()

	for _, k := range []EventKind{EventLoaded, EventStarted, EventCompleted} {
		q.Enqueue(Event{Kind: k})
	}

	for _, want := range []EventKind{EventLoaded, EventStarted, EventCompleted} {
		e, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, e.Kind)
	}
	assert.Equal(t, 0, q.Len())
}

func TestEventQueue_TryDequeue_Empty(t *testing.T) {
	q := newEventQueue()

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestEventQueue_Close(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(Event{Kind: EventLoaded})
	q.Close()
	q.Close()

	assert.True(t, q.Closed())
	assert.False(t, q.Enqueue(Event{Kind: EventStarted}), "enqueue after close should fail")

	e, ok := q.TryDequeue()
	require.True(t, ok, "queued events survive close")
	assert.Equal(t, EventLoaded, e.Kind)

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("Wait should not block after close")
	}
}

func TestEventQueue_ConcurrentEnqueue(t *testing.T) {
	q := newEventQueue()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Enqueue(Event{Kind: EventStarted})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, q.Len())
}
