package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/spool/internal/gcode"
	"github.com/roach88/spool/internal/store"
)

// syncBuffer is a bytes.Buffer safe for the reactor goroutine and the
// command to write concurrently.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testEnv is a print directory, database and device file under one temp dir.
type testEnv struct {
	dir    string
	sdcard string
	db     string
	device string
	config string
}

func newTestEnv(t *testing.T, extra string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:    dir,
		sdcard: filepath.Join(dir, "gcodes"),
		db:     filepath.Join(dir, "spool.db"),
		device: filepath.Join(dir, "device.out"),
		config: filepath.Join(dir, "spool.yaml"),
	}
	require.NoError(t, os.MkdirAll(env.sdcard, 0o755))

	cfg := fmt.Sprintf(`sdcard:
  path: %s
  chunk_size: 64
  contention_backoff: 1ms
database:
  path: %s
output:
  device: %s
server:
  listen: ""
%s`, env.sdcard, env.db, env.device, extra)
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o644))
	return env
}

func (e *testEnv) writeFile(t *testing.T, name, content string) {
	t.Helper()
	path := filepath.Join(e.sdcard, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (e *testEnv) deviceOutput(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(e.device)
	if errors.Is(err, os.ErrNotExist) {
		return ""
	}
	require.NoError(t, err)
	return string(data)
}

func (e *testEnv) run(args ...string) (string, string, error) {
	stdout := &syncBuffer{}
	stderr := &syncBuffer{}
	cmd := NewRootCommand()
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestPrintCommand(t *testing.T) {
	env := newTestEnv(t, "")
	env.writeFile(t, "part.gcode", "G28\nG1 X10 ; move\nM84\n")

	out, _, err := env.run("print", "part.gcode")
	require.NoError(t, err)

	assert.Equal(t, "G28\nG1 X10\nM84\n", env.deviceOutput(t))
	assert.Contains(t, out, "File opened:part.gcode Size:22")
	assert.Contains(t, out, "File selected")
	assert.Contains(t, out, "completed part.gcode: 22/22 bytes")

	st, err := store.Open(env.db)
	require.NoError(t, err)
	defer st.Close()

	jobs, err := st.ListJobs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "part.gcode", jobs[0].File)
	assert.Equal(t, "completed", jobs[0].State)
	assert.Equal(t, int64(22), jobs[0].Position)

	_, _, err = st.Interrupted(context.Background())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPrintCommandJSON(t *testing.T) {
	env := newTestEnv(t, "")
	env.writeFile(t, "part.gcode", "G28\n")

	out, stderr, err := env.run("--format", "json", "print", "part.gcode")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   PrintSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "completed", resp.Data.State)
	assert.Equal(t, "part.gcode", resp.Data.File)
	assert.Equal(t, int64(4), resp.Data.Position)
	assert.Equal(t, int64(4), resp.Data.Size)
	assert.NotEmpty(t, resp.Data.JobID)

	assert.Contains(t, stderr, "Done printing file")
}

func TestPrintCommandRunsScripts(t *testing.T) {
	env := newTestEnv(t, `scripts:
  start: "M117 Start"
  end: "M117 End"
`)
	env.writeFile(t, "part.gcode", "G28\n")

	_, _, err := env.run("print", "part.gcode")
	require.NoError(t, err)
	assert.Equal(t, "M117 Start\nG28\nM117 End\n", env.deviceOutput(t))
}

func TestPrintCommandFileNotFound(t *testing.T) {
	env := newTestEnv(t, "")

	_, _, err := env.run("print", "missing.gcode")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Empty(t, env.deviceOutput(t))
}

func TestPrintCommandBadConfig(t *testing.T) {
	env := newTestEnv(t, "bogus: true\n")

	_, _, err := env.run("print", "part.gcode")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestRestartCommandNothingToRestore(t *testing.T) {
	env := newTestEnv(t, "")

	_, _, err := env.run("restart")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no interrupted print to restart")
}

func TestRestartCommandFromPosition(t *testing.T) {
	env := newTestEnv(t, `scripts:
  start: "G28"
  resume: "M117 Resuming"
`)
	env.writeFile(t, "part.gcode", "G28\nG1 X10\nG1 X20\n")

	out, _, err := env.run("restart", "--file", "part.gcode", "--position", "11")
	require.NoError(t, err)

	assert.Equal(t, "M117 Resuming\nG1 X20\n", env.deviceOutput(t))
	assert.Contains(t, out, "completed part.gcode: 18/18 bytes")
}

func TestRestartCommandFromCheckpoint(t *testing.T) {
	env := newTestEnv(t, "")
	env.writeFile(t, "part.gcode", "G28\nG1 X10\nG1 X20\n")

	st, err := store.Open(env.db)
	require.NoError(t, err)
	ctx := context.Background()
	loaded := time.Now().Add(-time.Minute)
	require.NoError(t, st.SaveJob(ctx, store.Job{
		ID: "job-interrupted", File: "part.gcode", Size: 18, State: "paused",
		Position: 4, LoadedAt: loaded, UpdatedAt: loaded,
	}))
	require.NoError(t, st.SaveCheckpoint(ctx, store.Checkpoint{
		JobID: "job-interrupted", Position: 4, Elapsed: 30 * time.Second, UpdatedAt: loaded,
	}))
	require.NoError(t, st.Close())

	_, _, err = env.run("restart")
	require.NoError(t, err)
	assert.Equal(t, "G1 X10\nG1 X20\n", env.deviceOutput(t))

	st, err = store.Open(env.db)
	require.NoError(t, err)
	defer st.Close()
	_, _, err = st.Interrupted(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListCommand(t *testing.T) {
	env := newTestEnv(t, "")
	env.writeFile(t, "a.gcode", "G28\n")
	env.writeFile(t, "B.gcode", "G1 X10\n")
	env.writeFile(t, "notes.txt", "hi\n")
	env.writeFile(t, ".hidden.gcode", "M84\n")
	env.writeFile(t, "sub/c.gcode", "M84\n")

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	out, _, err := env.run("ls")
	require.NoError(t, err)
	g.Assert(t, "ls_flat", []byte(out))

	out, _, err = env.run("ls", "--recursive")
	require.NoError(t, err)
	g.Assert(t, "ls_recursive", []byte(out))
}

func TestListCommandEmpty(t *testing.T) {
	env := newTestEnv(t, "")

	out, _, err := env.run("ls")
	require.NoError(t, err)
	assert.Contains(t, out, "No print files in")

	out, _, err = env.run("--format", "json", "ls")
	require.NoError(t, err)
	var resp struct {
		Status string   `json:"status"`
		Data   FileList `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data.Files)
	assert.Empty(t, resp.Data.Files)
}

func TestListCommandMissingDirectory(t *testing.T) {
	env := newTestEnv(t, "")
	require.NoError(t, os.RemoveAll(env.sdcard))

	_, _, err := env.run("ls")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func seedHistory(t *testing.T, env *testEnv) {
	t.Helper()
	st, err := store.Open(env.db)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.SaveJob(ctx, store.Job{
		ID: "job-1", File: "part.gcode", Size: 15, State: "completed",
		Position: 15, LoadedAt: base, UpdatedAt: base.Add(time.Minute),
	}))
	require.NoError(t, st.SaveJob(ctx, store.Job{
		ID: "job-2", File: "bracket.gcode", Size: 19, State: "errored",
		Position: 4, Message: "Move out of range", LoadedAt: base.Add(time.Hour), UpdatedAt: base.Add(time.Hour),
	}))
	require.NoError(t, st.AppendEvent(ctx, store.JobEvent{JobID: "job-2", Seq: 1, Kind: "loaded", At: base.Add(time.Hour)}))
	require.NoError(t, st.AppendEvent(ctx, store.JobEvent{JobID: "job-2", Seq: 2, Kind: "started", At: base.Add(time.Hour)}))
	require.NoError(t, st.AppendEvent(ctx, store.JobEvent{
		JobID: "job-2", Seq: 3, Kind: "errored", Position: 4, Message: "Move out of range", At: base.Add(time.Hour),
	}))
}

func TestHistoryCommand(t *testing.T) {
	env := newTestEnv(t, "")
	seedHistory(t, env)

	out, _, err := env.run("history")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "JOB")
	assert.Contains(t, lines[1], "job-2")
	assert.Contains(t, lines[1], "bracket.gcode (4/19 bytes)")
	assert.Contains(t, lines[2], "job-1")
	assert.Contains(t, lines[2], "completed")
}

func TestHistoryCommandLimitJSON(t *testing.T) {
	env := newTestEnv(t, "")
	seedHistory(t, env)

	out, _, err := env.run("--format", "json", "history", "-n", "1")
	require.NoError(t, err)

	var resp struct {
		Status string  `json:"status"`
		Data   JobList `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Jobs, 1)
	assert.Equal(t, "job-2", resp.Data.Jobs[0].ID)
}

func TestHistoryCommandJob(t *testing.T) {
	env := newTestEnv(t, "")
	seedHistory(t, env)

	out, _, err := env.run("history", "job-2")
	require.NoError(t, err)

	assert.Contains(t, out, "Job job-2")
	assert.Contains(t, out, "State: errored (4/19 bytes)")
	assert.Contains(t, out, "Error: Move out of range")
	assert.Contains(t, out, "loaded")
	assert.Contains(t, out, "started")
	assert.Equal(t, 1, strings.Count(out, "Events:"))
}

func TestHistoryCommandJobNotFound(t *testing.T) {
	env := newTestEnv(t, "")

	out, _, err := env.run("history", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E_NOT_FOUND]")
}

func TestHistoryCommandEmpty(t *testing.T) {
	env := newTestEnv(t, "")

	out, _, err := env.run("history")
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs recorded.")
}

type fakeRunner struct {
	scripts   []string
	responses []string
	fail      map[string]error
}

func (r *fakeRunner) Run(ctx context.Context, script string) error {
	r.scripts = append(r.scripts, script)
	return r.fail[script]
}

func (r *fakeRunner) RespondRaw(msg string) {
	r.responses = append(r.responses, msg)
}

func TestConsole(t *testing.T) {
	r := &fakeRunner{fail: map[string]error{
		"M23 missing.gcode": gcode.Errorf("Unable to open file"),
	}}

	console(context.Background(), strings.NewReader("M20\nM23 missing.gcode\nM24\n"), r)

	assert.Equal(t, []string{"M20", "M23 missing.gcode", "M24"}, r.scripts)
	assert.Equal(t, []string{"!! Unable to open file"}, r.responses)
}

func TestConsoleStopsWhenCancelled(t *testing.T) {
	r := &fakeRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	console(ctx, strings.NewReader("M20\nM24\n"), r)
	assert.Empty(t, r.scripts)
}
