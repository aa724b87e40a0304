package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/spool/internal/engine"
	"github.com/roach88/spool/internal/gcode"
	"github.com/roach88/spool/internal/printstats"
)

type fakeEngine struct {
	bus    *engine.Bus
	status engine.Status

	mu        sync.Mutex
	cancels   int
	cancelErr error
}

func (f *fakeEngine) Status() engine.Status { return f.status }
func (f *fakeEngine) Events() *engine.Bus   { return f.bus }

func (f *fakeEngine) Stats() (bool, string) {
	if !f.status.IsActive {
		return false, ""
	}
	return true, "sd_pos=50"
}

func (f *fakeEngine) Cancel(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancels++
	f.status = engine.Status{State: engine.Idle}
	return nil
}

type fakeConsole struct {
	mu      sync.Mutex
	scripts []string
	err     error
}

func (c *fakeConsole) Run(ctx context.Context, script string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts = append(c.scripts, script)
	return c.err
}

type fakeStats struct{}

func (fakeStats) Snapshot() printstats.Snapshot {
	return printstats.Snapshot{State: printstats.Printing, Filename: "benchy.gcode"}
}

func newTestServer(t *testing.T, console *fakeConsole) (*Server, *fakeEngine) {
	t.Helper()
	eng := &fakeEngine{
		bus: engine.NewBus(),
		status: engine.Status{
			FilePath:     "/sd/benchy.gcode",
			Progress:     0.5,
			IsActive:     true,
			FilePosition: 50,
			FileSize:     100,
			State:        engine.Running,
		},
	}
	cfg := DefaultConfig()
	cfg.StatusInterval = time.Hour
	return NewServer(eng, console, fakeStats{}, cfg, nil), eng
}

func TestServer_Status(t *testing.T) {
	srv, _ := newTestServer(t, &fakeConsole{})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, engine.Running, snap.Engine.State)
	assert.Equal(t, int64(50), snap.Engine.FilePosition)
	assert.Equal(t, printstats.Printing, snap.Job.State)
	assert.True(t, snap.Counters.Active)
	assert.Equal(t, "sd_pos=50", snap.Counters.Line)
}

func TestServer_Cancel(t *testing.T) {
	srv, eng := newTestServer(t, &fakeConsole{})

	req := httptest.NewRequest(http.MethodPost, "/cancel", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, eng.cancels)

	var m Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "ok", m.Type)
	require.NotNil(t, m.Status)
	assert.Equal(t, engine.Idle, m.Status.Engine.State)
	assert.False(t, m.Status.Counters.Active)
}

func TestServer_CancelTimesOut(t *testing.T) {
	srv, eng := newTestServer(t, &fakeConsole{})
	eng.cancelErr = context.DeadlineExceeded

	req := httptest.NewRequest(http.MethodPost, "/cancel", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 0, eng.cancels)
}

func TestServer_CancelWrongMethod(t *testing.T) {
	srv, eng := newTestServer(t, &fakeConsole{})

	req := httptest.NewRequest(http.MethodGet, "/cancel", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, 0, eng.cancels)
}

func TestServer_GCode(t *testing.T) {
	console := &fakeConsole{}
	srv, _ := newTestServer(t, console)

	req := httptest.NewRequest(http.MethodPost, "/gcode", strings.NewReader("M25\nM27"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"M25\nM27"}, console.scripts)
}

func TestServer_GCodeCommandError(t *testing.T) {
	srv, _ := newTestServer(t, &fakeConsole{err: gcode.Errorf("SD busy")})

	req := httptest.NewRequest(http.MethodPost, "/gcode", strings.NewReader("M23 x.gcode"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var m Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "error", m.Type)
	assert.Equal(t, "SD busy", m.Error)
}

func TestServer_GCodeInternalError(t *testing.T) {
	srv, _ := newTestServer(t, &fakeConsole{err: errors.New("serial port closed")})

	req := httptest.NewRequest(http.MethodPost, "/gcode", strings.NewReader("G28"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_GCodeTooLarge(t *testing.T) {
	console := &fakeConsole{}
	eng := &fakeEngine{bus: engine.NewBus()}
	srv := NewServer(eng, console, nil, Config{MaxScript: 4}, nil)

	req := httptest.NewRequest(http.MethodPost, "/gcode", strings.NewReader("G1 X10"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, console.scripts)
}

func TestServer_WrongMethod(t *testing.T) {
	srv, _ := newTestServer(t, &fakeConsole{})

	req := httptest.NewRequest(http.MethodGet, "/gcode", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_StreamSendsStatusThenEvents(t *testing.T) {
	srv, eng := newTestServer(t, &fakeConsole{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first Message
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "status", first.Type)
	require.NotNil(t, first.Status)
	assert.Equal(t, int64(100), first.Status.Engine.FileSize)

	// The subscription is taken before the first frame is written.
	eng.bus.Publish(engine.Event{Kind: engine.EventPaused, JobID: "job-1", Position: 50})

	var next Message
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, "event", next.Type)
	require.NotNil(t, next.Event)
	assert.Equal(t, engine.EventPaused, next.Event.Kind)
	assert.Equal(t, int64(50), next.Event.Position)
}

func TestServer_StreamPeriodicStatus(t *testing.T) {
	eng := &fakeEngine{bus: engine.NewBus(), status: engine.Status{State: engine.Idle}}
	srv := NewServer(eng, &fakeConsole{}, nil, Config{StatusInterval: 10 * time.Millisecond}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	for i := 0; i < 3; i++ {
		var m Message
		require.NoError(t, conn.ReadJSON(&m))
		assert.Equal(t, "status", m.Type)
	}
}

func TestServer_ListenAndServeStopsOnCancel(t *testing.T) {
	srv, _ := newTestServer(t, &fakeConsole{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return after cancel")
	}
}
