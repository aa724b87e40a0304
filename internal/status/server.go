// Package status serves the engine state over HTTP: a JSON snapshot, a
// websocket stream of lifecycle events, and a console for foreground
// g-code.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/spool/internal/engine"
	"github.com/roach88/spool/internal/gcode"
	"github.com/roach88/spool/internal/printstats"
)

// Engine is the playback engine as seen by the status server.
type Engine interface {
	Status() engine.Status
	Stats() (bool, string)
	Events() *engine.Bus
	Cancel(ctx context.Context) error
}

// Console runs foreground scripts. Implemented by *gcode.Dispatcher.
type Console interface {
	Run(ctx context.Context, script string) error
}

// Stats supplies job timing. Implemented by *printstats.Tracker.
type Stats interface {
	Snapshot() printstats.Snapshot
}

// Config configures the status server.
type Config struct {
	// StatusInterval is how often websocket clients receive a status frame.
	StatusInterval time.Duration
	// WriteTimeout bounds each websocket write.
	WriteTimeout time.Duration
	// MaxScript is the largest accepted console request body.
	MaxScript int64
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		StatusInterval: time.Second,
		WriteTimeout:   10 * time.Second,
		MaxScript:      64 << 10,
	}
}

// Counters is the engine's short activity report.
type Counters struct {
	Active bool   `json:"active"`
	Line   string `json:"line,omitempty"`
}

// Snapshot is the body of GET /status and of websocket status frames.
type Snapshot struct {
	Engine   engine.Status       `json:"engine"`
	Counters Counters            `json:"counters"`
	Job      printstats.Snapshot `json:"job"`
}

// Message is one websocket frame.
type Message struct {
	Type   string        `json:"type"`
	Status *Snapshot     `json:"status,omitempty"`
	Event  *engine.Event `json:"event,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// Server exposes the engine over HTTP.
type Server struct {
	eng     Engine
	console Console
	stats   Stats
	config  Config
	logger  *slog.Logger

	upgrader websocket.Upgrader
}

// NewServer creates a status server.
func NewServer(eng Engine, console Console, stats Stats, cfg Config, logger *slog.Logger) *Server {
	def := DefaultConfig()
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxScript <= 0 {
		cfg.MaxScript = def.MaxScript
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		eng:     eng,
		console: console,
		stats:   stats,
		config:  cfg,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes:
//
//	GET  /status  current Snapshot
//	GET  /ws      websocket stream of events and periodic status
//	POST /gcode   run the request body as a foreground script
//	POST /cancel  cancel the current print and close its file
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /ws", s.handleStream)
	mux.HandleFunc("POST /gcode", s.handleGCode)
	mux.HandleFunc("POST /cancel", s.handleCancel)
	return mux
}

// ListenAndServe serves Handler on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("status server listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) snapshot() Snapshot {
	snap := Snapshot{Engine: s.eng.Status()}
	snap.Counters.Active, snap.Counters.Line = s.eng.Stats()
	if s.stats != nil {
		snap.Job = s.stats.Snapshot()
	}
	return snap
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleGCode(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxScript+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Message{Type: "error", Error: err.Error()})
		return
	}
	if int64(len(body)) > s.config.MaxScript {
		writeJSON(w, http.StatusRequestEntityTooLarge, Message{Type: "error", Error: "script too large"})
		return
	}

	if err := s.console.Run(r.Context(), string(body)); err != nil {
		code := http.StatusInternalServerError
		if gcode.IsError(err) {
			code = http.StatusBadRequest
		}
		writeJSON(w, code, Message{Type: "error", Error: gcode.Message(err)})
		return
	}
	writeJSON(w, http.StatusOK, Message{Type: "ok"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Cancel(r.Context()); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, Message{Type: "error", Error: err.Error()})
		return
	}
	s.logger.Info("print cancelled over http")
	snap := s.snapshot()
	writeJSON(w, http.StatusOK, Message{Type: "ok", Status: &snap})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.eng.Events().Subscribe()
	defer sub.Close()

	// Client frames are ignored; reading detects the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snap := s.snapshot()
	if err := s.write(conn, Message{Type: "status", Status: &snap}); err != nil {
		return
	}

	ticker := time.NewTicker(s.config.StatusInterval)
	defer ticker.Stop()

	for {
		for {
			e, ok := sub.TryNext()
			if !ok {
				break
			}
			if err := s.write(conn, Message{Type: "event", Event: &e}); err != nil {
				return
			}
		}
		if sub.Closed() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-sub.Ready():
		case <-ticker.C:
			snap := s.snapshot()
			if err := s.write(conn, Message{Type: "status", Status: &snap}); err != nil {
				return
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, m Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := conn.WriteJSON(m); err != nil {
		s.logger.Debug("websocket write", "type", m.Type, "error", err)
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
