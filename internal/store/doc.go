// Package store provides SQLite-backed durable storage for print history.
//
// The store keeps:
//   - Jobs: one row per loaded file, updated on every lifecycle transition
//   - Job Events: the append-only transition log of each job
//   - Checkpoints: the last committed position of an unfinished job, used to
//     continue it after a power loss
//
// # Critical Patterns
//
// Idempotent Writes:
//   - Events are keyed by (job_id, seq); rewriting an event is a no-op
//   - Jobs and checkpoints are upserts
//
// Deterministic Query Results:
//   - Event queries ORDER BY seq ASC
//   - Job listings ORDER BY loaded_at DESC, id DESC (ids are UUIDv7)
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
