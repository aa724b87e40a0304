package engine

const (
	// shutdownBefore and shutdownAfter bound the diagnostic window read
	// around the current position on shutdown.
	shutdownBefore = 1024
	shutdownAfter  = 128
)

// ShutdownWindow is the file content surrounding the position at shutdown.
type ShutdownWindow struct {
	// Start is the offset of Before.
	Start    int64
	Before   []byte
	Position int64
	After    []byte
}

// HandleShutdown logs the bytes around the current position so the command
// in flight during an abrupt halt can be identified. It never changes engine
// state; read failures are logged and reported as false.
func (e *Engine) HandleShutdown() (ShutdownWindow, bool) {
	e.mu.Lock()
	if e.timer == nil || e.file == nil {
		e.mu.Unlock()
		return ShutdownWindow{}, false
	}
	f, pos, name := e.file, e.position, e.name
	e.mu.Unlock()

	start := pos - shutdownBefore
	if start < 0 {
		start = 0
	}
	before := pos - start

	data := make([]byte, before+shutdownAfter)
	n, err := f.ReadAt(data, start)
	if n == 0 && err != nil {
		e.logger.Error("shutdown read", "file", name, "position", pos, "error", err)
		return ShutdownWindow{}, false
	}
	data = data[:n]
	if int64(n) < before {
		before = int64(n)
	}

	w := ShutdownWindow{
		Start:    start,
		Before:   data[:before],
		Position: pos,
		After:    data[before:],
	}
	e.logger.Info("print file at shutdown",
		"file", name,
		"start", w.Start,
		"before", string(w.Before),
		"position", w.Position,
		"upcoming", string(w.After),
	)
	return w, true
}
