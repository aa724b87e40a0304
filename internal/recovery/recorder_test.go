package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/spool/internal/catalog"
	"github.com/roach88/spool/internal/engine"
	"github.com/roach88/spool/internal/gcode"
	"github.com/roach88/spool/internal/printstats"
	"github.com/roach88/spool/internal/reactor"
	"github.com/roach88/spool/internal/store"
	"github.com/roach88/spool/internal/testutil"
)

type fixture struct {
	store *store.Store
	clock *testutil.FakeClock
	bus   *engine.Bus
	sub   *engine.Subscription
	rec   *Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store: s,
		clock: testutil.NewFakeClock(time.Time{}),
		bus:   engine.NewBus(),
	}
	f.sub = f.bus.Subscribe()
	f.rec = NewRecorder(s,
		WithClock(f.clock),
		WithInterval(time.Second),
		WithElapsed(func() time.Duration { return 42 * time.Second }),
	)
	return f
}

func (f *fixture) publish(kind engine.EventKind, jobID string, pos int64) {
	f.bus.Publish(engine.Event{
		Kind:     kind,
		JobID:    jobID,
		File:     "benchy.gcode",
		Position: pos,
		Size:     1000,
		Time:     f.clock.Now(),
	})
}

func (f *fixture) drain() {
	f.rec.Drain(context.Background(), f.sub)
}

func TestRecorder_LifecycleHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.publish(engine.EventLoaded, "job-1", 0)
	f.publish(engine.EventStarted, "job-1", 0)
	f.publish(engine.EventCompleted, "job-1", 1000)
	f.drain()

	job, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", job.State)
	assert.Equal(t, int64(1000), job.Position)
	assert.Equal(t, "benchy.gcode", job.File)

	events, err := f.store.JobEvents(ctx, "job-1")
	require.NoError(t, err)
	kinds := make([]string, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	assert.Equal(t, []string{"loaded", "started", "completed"}, kinds)

	_, _, err = f.store.Interrupted(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecorder_ObserveIsThrottled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.publish(engine.EventLoaded, "job-1", 0)
	f.publish(engine.EventStarted, "job-1", 0)

	f.rec.Observe("job-1", 10)
	f.rec.Observe("job-1", 20) // same instant, dropped
	f.drain()

	_, cp, err := f.store.Interrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), cp.Position)
	assert.Equal(t, 42*time.Second, cp.Elapsed)

	f.clock.Advance(time.Second)
	f.rec.Observe("job-1", 30)
	f.drain()

	_, cp, err = f.store.Interrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(30), cp.Position)
}

func TestRecorder_CheckpointAfterFinishIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.publish(engine.EventLoaded, "job-1", 0)
	f.publish(engine.EventStarted, "job-1", 0)
	f.rec.Observe("job-1", 500)
	f.publish(engine.EventCompleted, "job-1", 1000)
	f.drain()

	_, _, err := f.store.Interrupted(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecorder_CheckpointForUnknownJobIsDropped(t *testing.T) {
	f := newFixture(t)

	f.rec.Observe("stray", 5)
	f.drain()

	_, _, err := f.store.Interrupted(context.Background())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecorder_PauseCheckpointsEventPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.publish(engine.EventLoaded, "job-1", 0)
	f.publish(engine.EventStarted, "job-1", 0)
	f.publish(engine.EventPaused, "job-1", 640)
	f.drain()

	job, cp, err := f.store.Interrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, "paused", job.State)
	assert.Equal(t, int64(640), cp.Position)
}

func TestRecorder_ResetAbandonsLiveJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.publish(engine.EventLoaded, "job-1", 0)
	f.publish(engine.EventPaused, "job-1", 100)
	f.publish(engine.EventReset, "", 0)
	f.drain()

	job, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "reset", job.State)

	_, _, err = f.store.Interrupted(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecorder_LoadReplacesPreviousJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.publish(engine.EventLoaded, "job-1", 0)
	f.publish(engine.EventPaused, "job-1", 100)
	f.publish(engine.EventLoaded, "job-2", 0)
	f.drain()

	old, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "reset", old.State)

	cur, err := f.store.GetJob(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, "loaded", cur.State)
}

func TestRecorder_ErroredKeepsMessage(t *testing.T) {
	f := newFixture(t)

	f.publish(engine.EventLoaded, "job-1", 0)
	f.bus.Publish(engine.Event{Kind: engine.EventErrored, JobID: "job-1", Position: 20, Message: "Must home axis first", Time: f.clock.Now()})
	f.drain()

	job, err := f.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "errored", job.State)
	assert.Equal(t, "Must home axis first", job.Message)
}

func TestRecorder_RunStopsWhenBusCloses(t *testing.T) {
	f := newFixture(t)

	done := make(chan error, 1)
	go func() { done <- f.rec.Run(context.Background(), f.sub) }()

	f.publish(engine.EventLoaded, "job-1", 0)
	f.bus.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after bus close")
	}

	job, err := f.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "loaded", job.State)
}

func TestRecorder_RunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.rec.Run(ctx, f.sub) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type fakeRestarter struct {
	name    string
	offset  int64
	elapsed time.Duration
	err     error
}

func (r *fakeRestarter) ResumeAfterInterruption(ctx context.Context, name string, offset int64, elapsed time.Duration) error {
	r.name, r.offset, r.elapsed = name, offset, elapsed
	return r.err
}

func TestRestore_ContinuesInterruptedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.publish(engine.EventLoaded, "job-1", 0)
	f.publish(engine.EventStarted, "job-1", 0)
	f.rec.Observe("job-1", 300)
	f.drain()

	r := &fakeRestarter{}
	job, cp, err := Restore(ctx, f.store, r)
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, int64(300), cp.Position)
	assert.Equal(t, "benchy.gcode", r.name)
	assert.Equal(t, int64(300), r.offset)
	assert.Equal(t, 42*time.Second, r.elapsed)

	stored, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "reset", stored.State)

	_, _, err = Restore(ctx, f.store, r)
	assert.ErrorIs(t, err, ErrNothingToRestore)
}

func TestRestore_FailureKeepsCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.publish(engine.EventLoaded, "job-1", 0)
	f.publish(engine.EventPaused, "job-1", 50)
	f.drain()

	boom := errors.New("no such file")
	_, _, err := Restore(ctx, f.store, &fakeRestarter{err: boom})
	require.ErrorIs(t, err, boom)

	_, cp, err := f.store.Interrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50), cp.Position)
}

func TestRecorder_WithEngine(t *testing.T) {
	dir := t.TempDir()
	content := strings.Repeat("G1 X1\n", 50)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "part.gcode"), []byte(content), 0o644))

	s, err := store.Open(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := testutil.NewFakeClock(time.Time{})
	lines := testutil.NewLineRecorder()
	disp := gcode.New(gcode.WithFallback(lines.Handler()))
	sched := reactor.New(reactor.WithClock(clock))
	tracker := printstats.New(printstats.WithClock(clock))

	rec := NewRecorder(s, WithClock(clock), WithElapsed(func() time.Duration {
		return tracker.Snapshot().PrintDuration
	}))
	eng := engine.New(disp, sched, tracker, catalog.New(dir), engine.WithPositionObserver(rec.Observe))
	sub := eng.Events().Subscribe()

	ctx := context.Background()
	require.NoError(t, eng.PrintFile(ctx, "part.gcode"))
	for i := 0; i < 10000 && eng.IsActive(); i++ {
		sched.RunDue()
	}
	require.False(t, eng.IsActive())
	rec.Drain(ctx, sub)

	jobs, err := s.ListJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "completed", jobs[0].State)
	assert.Equal(t, int64(len(content)), jobs[0].Position)
	assert.Len(t, lines.Lines(), 50)

	_, _, err = s.Interrupted(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
