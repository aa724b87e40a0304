package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Job is one loaded print file and its latest lifecycle state.
type Job struct {
	ID       string `json:"id"`
	File     string `json:"file"`
	Size     int64  `json:"size"`
	State    string `json:"state"`
	Position int64  `json:"position"`
	Message  string `json:"message,omitempty"`

	LoadedAt  time.Time `json:"loaded_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobEvent is one recorded lifecycle transition.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Seq      uint64    `json:"seq"`
	Kind     string    `json:"kind"`
	Position int64     `json:"position"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// Checkpoint is the last committed position of an unfinished job.
type Checkpoint struct {
	JobID     string        `json:"job_id"`
	Position  int64         `json:"position"`
	Elapsed   time.Duration `json:"elapsed"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// SaveJob inserts a job or updates its state, position and message.
// File, size and load time are fixed by the first write.
func (s *Store) SaveJob(ctx context.Context, j Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, file, size, state, position, message, loaded_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			position = excluded.position,
			message = excluded.message,
			updated_at = excluded.updated_at
	`,
		j.ID, j.File, j.Size, j.State, j.Position, j.Message,
		toMillis(j.LoadedAt), toMillis(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

// AppendEvent records a job transition. Idempotent on (job_id, seq).
func (s *Store) AppendEvent(ctx context.Context, e JobEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_events (job_id, seq, kind, position, message, at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, seq) DO NOTHING
	`, e.JobID, e.Seq, e.Kind, e.Position, e.Message, toMillis(e.At))
	if err != nil {
		return fmt.Errorf("append event %s/%d: %w", e.JobID, e.Seq, err)
	}
	return nil
}

// GetJob returns a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, file, size, state, position, message, loaded_at, updated_at
		FROM jobs WHERE id = ?
	`, id)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// ListJobs returns the most recently loaded jobs first. A limit of zero or
// less returns every job.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file, size, state, position, message, loaded_at, updated_at
		FROM jobs
		ORDER BY loaded_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// JobEvents returns the transitions of a job in sequence order.
func (s *Store) JobEvents(ctx context.Context, jobID string) ([]JobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, seq, kind, position, message, at
		FROM job_events
		WHERE job_id = ?
		ORDER BY seq ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query events for %s: %w", jobID, err)
	}
	defer rows.Close()

	events := []JobEvent{}
	for rows.Next() {
		var e JobEvent
		var at int64
		if err := rows.Scan(&e.JobID, &e.Seq, &e.Kind, &e.Position, &e.Message, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.At = fromMillis(at)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// SaveCheckpoint stores the latest position of a job, replacing any earlier
// checkpoint for it.
func (s *Store) SaveCheckpoint(ctx context.Context, c Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (job_id, position, elapsed_ms, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			position = excluded.position,
			elapsed_ms = excluded.elapsed_ms,
			updated_at = excluded.updated_at
	`, c.JobID, c.Position, c.Elapsed.Milliseconds(), toMillis(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", c.JobID, err)
	}
	return nil
}

// ClearCheckpoint removes the checkpoint of a job. Missing checkpoints are
// ignored.
func (s *Store) ClearCheckpoint(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("clear checkpoint %s: %w", jobID, err)
	}
	return nil
}

// Interrupted returns the most recently checkpointed job. Checkpoints exist
// only for jobs that never finished, so this is the print to continue after
// a restart. Returns ErrNotFound when there is none.
func (s *Store) Interrupted(ctx context.Context) (Job, Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT c.job_id, c.position, c.elapsed_ms, c.updated_at
		FROM checkpoints c
		ORDER BY c.updated_at DESC, c.job_id DESC
		LIMIT 1
	`)

	var c Checkpoint
	var elapsedMS, updated int64
	err := row.Scan(&c.JobID, &c.Position, &elapsedMS, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, Checkpoint{}, fmt.Errorf("interrupted job: %w", ErrNotFound)
	}
	if err != nil {
		return Job{}, Checkpoint{}, fmt.Errorf("query checkpoint: %w", err)
	}
	c.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	c.UpdatedAt = fromMillis(updated)

	j, err := s.GetJob(ctx, c.JobID)
	if err != nil {
		return Job{}, Checkpoint{}, err
	}
	return j, c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Job, error) {
	var j Job
	var loaded, updated int64
	if err := row.Scan(&j.ID, &j.File, &j.Size, &j.State, &j.Position, &j.Message, &loaded, &updated); err != nil {
		return Job{}, err
	}
	j.LoadedAt = fromMillis(loaded)
	j.UpdatedAt = fromMillis(updated)
	return j, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
