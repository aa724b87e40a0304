// Package recovery persists print job history and position checkpoints, and
// restarts the last unfinished job after a power loss.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/spool/internal/engine"
	"github.com/roach88/spool/internal/store"
)

// DefaultInterval is the minimum spacing of position checkpoints.
const DefaultInterval = 5 * time.Second

// Store is the persistence the recorder writes to.
type Store interface {
	SaveJob(ctx context.Context, j store.Job) error
	AppendEvent(ctx context.Context, e store.JobEvent) error
	SaveCheckpoint(ctx context.Context, c store.Checkpoint) error
	ClearCheckpoint(ctx context.Context, jobID string) error
	Interrupted(ctx context.Context) (store.Job, store.Checkpoint, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Recorder mirrors engine lifecycle events into the store and checkpoints
// the playback position.
//
// Observe is installed as the engine position observer. It runs on the
// playback loop, so it only records the latest position (rate limited) and
// wakes the worker. Run is the worker: it applies events and checkpoints in
// publish order on its own goroutine.
//
// INVARIANTS:
//   - a checkpoint exists only for a job that has not finished
//   - every event queued before a checkpoint is applied before it
type Recorder struct {
	store   Store
	limiter *rate.Limiter
	clock   Clock
	elapsed func() time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending *store.Checkpoint
	wake    chan struct{}

	// Worker-owned.
	live map[string]*store.Job
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithInterval sets the minimum spacing between position checkpoints.
func WithInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithClock sets the clock used for limiting and timestamps.
func WithClock(c Clock) Option {
	return func(r *Recorder) {
		r.clock = c
	}
}

// WithElapsed sets the source of elapsed print time stored with each
// checkpoint.
func WithElapsed(fn func() time.Duration) Option {
	return func(r *Recorder) {
		r.elapsed = fn
	}
}

// WithLogger sets the recorder logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = l
	}
}

// NewRecorder creates a Recorder writing to s.
func NewRecorder(s Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:   s,
		limiter: rate.NewLimiter(rate.Every(DefaultInterval), 1),
		clock:   systemClock{},
		elapsed: func() time.Duration { return 0 },
		logger:  slog.Default(),
		wake:    make(chan struct{}, 1),
		live:    make(map[string]*store.Job),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observe records a committed position. It never blocks; positions arriving
// faster than the checkpoint interval are dropped.
func (r *Recorder) Observe(jobID string, position int64) {
	now := r.clock.Now()
	if jobID == "" || !r.limiter.AllowN(now, 1) {
		return
	}

	r.mu.Lock()
	r.pending = &store.Checkpoint{
		JobID:     jobID,
		Position:  position,
		Elapsed:   r.elapsed(),
		UpdatedAt: now,
	}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run applies events from sub and pending checkpoints until ctx is done or
// sub is closed and drained. Store failures are logged and never stop the
// worker.
func (r *Recorder) Run(ctx context.Context, sub *engine.Subscription) error {
	for {
		r.Drain(ctx, sub)
		if sub.Closed() && sub.Pending() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Ready():
		case <-r.wake:
		}
	}
}

// Drain applies every queued event, then the pending checkpoint. Run calls
// it on each wakeup; tests call it directly.
func (r *Recorder) Drain(ctx context.Context, sub *engine.Subscription) {
	for {
		e, ok := sub.TryNext()
		if !ok {
			break
		}
		r.apply(ctx, e)
	}
	r.flush(ctx)
}

func (r *Recorder) apply(ctx context.Context, e engine.Event) {
	switch e.Kind {
	case engine.EventLoaded:
		// Loading replaces whatever session was there before.
		r.abandonAll(ctx, e)
		r.live[e.JobID] = &store.Job{
			ID:       e.JobID,
			File:     e.File,
			Size:     e.Size,
			LoadedAt: e.Time,
		}
		r.transition(ctx, e, false)

	case engine.EventStarted:
		r.transition(ctx, e, false)

	case engine.EventPaused:
		r.transition(ctx, e, false)
		r.checkpoint(ctx, store.Checkpoint{
			JobID:     e.JobID,
			Position:  e.Position,
			Elapsed:   r.elapsed(),
			UpdatedAt: e.Time,
		})

	case engine.EventCompleted, engine.EventCancelled, engine.EventErrored:
		r.transition(ctx, e, true)

	case engine.EventReset:
		r.abandonAll(ctx, e)
	}
}

// transition updates the job named by e and appends e to its history. With
// finish set the job leaves the live set and its checkpoint is removed.
func (r *Recorder) transition(ctx context.Context, e engine.Event, finish bool) {
	if e.JobID == "" {
		return
	}
	j, ok := r.live[e.JobID]
	if !ok {
		// Job loaded before the recorder started.
		j = &store.Job{ID: e.JobID, File: e.File, Size: e.Size, LoadedAt: e.Time}
		r.live[e.JobID] = j
	}
	j.State = string(e.Kind)
	j.Message = e.Message
	j.UpdatedAt = e.Time
	if e.Kind != engine.EventCancelled {
		j.Position = e.Position
	}

	r.save(ctx, *j, e)
	if finish {
		r.finish(ctx, e.JobID)
	}
}

// abandonAll marks every live job as reset. A job is abandoned when its
// file is discarded without finishing.
func (r *Recorder) abandonAll(ctx context.Context, e engine.Event) {
	for id, j := range r.live {
		j.State = string(engine.EventReset)
		j.UpdatedAt = e.Time
		r.save(ctx, *j, engine.Event{
			Seq:      e.Seq,
			Kind:     engine.EventReset,
			JobID:    id,
			Position: j.Position,
			Time:     e.Time,
		})
		r.finish(ctx, id)
	}
}

func (r *Recorder) save(ctx context.Context, j store.Job, e engine.Event) {
	if err := r.store.SaveJob(ctx, j); err != nil {
		r.logger.Warn("record job", "job_id", j.ID, "error", err)
		return
	}
	err := r.store.AppendEvent(ctx, store.JobEvent{
		JobID:    j.ID,
		Seq:      uint64(e.Seq),
		Kind:     string(e.Kind),
		Position: e.Position,
		Message:  e.Message,
		At:       e.Time,
	})
	if err != nil {
		r.logger.Warn("record event", "job_id", j.ID, "kind", e.Kind, "error", err)
	}
}

func (r *Recorder) finish(ctx context.Context, jobID string) {
	delete(r.live, jobID)

	r.mu.Lock()
	if r.pending != nil && r.pending.JobID == jobID {
		r.pending = nil
	}
	r.mu.Unlock()

	if err := r.store.ClearCheckpoint(ctx, jobID); err != nil {
		r.logger.Warn("clear checkpoint", "job_id", jobID, "error", err)
	}
}

func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	c := r.pending
	r.pending = nil
	r.mu.Unlock()

	if c == nil {
		return
	}
	if _, ok := r.live[c.JobID]; !ok {
		return
	}
	r.checkpoint(ctx, *c)
}

func (r *Recorder) checkpoint(ctx context.Context, c store.Checkpoint) {
	if err := r.store.SaveCheckpoint(ctx, c); err != nil {
		r.logger.Warn("save checkpoint", "job_id", c.JobID, "position", c.Position, "error", err)
		return
	}
	r.logger.Debug("checkpoint", "job_id", c.JobID, "position", c.Position)
}

// Restarter continues a job from a byte offset.
type Restarter interface {
	ResumeAfterInterruption(ctx context.Context, name string, offset int64, elapsed time.Duration) error
}

// ErrNothingToRestore is returned by Restore when no job was interrupted.
var ErrNothingToRestore = errors.New("recovery: no interrupted job")

// Restore continues the most recently interrupted job from its last
// checkpoint. The interrupted job is closed out as reset once the restart
// has been accepted; the continuation runs under a new job ID.
func Restore(ctx context.Context, s Store, e Restarter) (store.Job, store.Checkpoint, error) {
	job, cp, err := s.Interrupted(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return store.Job{}, store.Checkpoint{}, ErrNothingToRestore
	}
	if err != nil {
		return store.Job{}, store.Checkpoint{}, fmt.Errorf("find interrupted job: %w", err)
	}

	if err := e.ResumeAfterInterruption(ctx, job.File, cp.Position, cp.Elapsed); err != nil {
		return job, cp, fmt.Errorf("restart %s at %d: %w", job.File, cp.Position, err)
	}

	if err := s.ClearCheckpoint(ctx, job.ID); err != nil {
		return job, cp, err
	}
	job.State = string(engine.EventReset)
	job.Position = cp.Position
	job.UpdatedAt = cp.UpdatedAt
	if err := s.SaveJob(ctx, job); err != nil {
		return job, cp, err
	}
	return job, cp, nil
}
