package engine

// State is the playback state.
type State string

const (
	// Idle: no file, no loop.
	Idle State = "idle"
	// Loaded: file open, loop not started.
	Loaded State = "loaded"
	// Running: loop registered with the scheduler.
	Running State = "running"
	// Paused: loop stopped, file and position retained.
	Paused State = "paused"
	// Completed: end of file reached, file closed.
	Completed State = "completed"
	// Errored: a command or I/O failure ended the print, file closed.
	Errored State = "errored"
)

// Terminal reports whether s ends a print. Terminal states hold no file.
func (s State) Terminal() bool {
	return s == Completed || s == Errored
}

// Status is the polled engine snapshot.
type Status struct {
	FilePath     string  `json:"file_path"`
	Progress     float64 `json:"progress"`
	IsActive     bool    `json:"is_active"`
	FilePosition int64   `json:"file_position"`
	FileSize     int64   `json:"file_size"`
	State        State   `json:"state"`
	JobID        string  `json:"job_id,omitempty"`
}

// progress returns position/size clamped to [0,1], or 0 when size is 0.
func progress(position, size int64) float64 {
	if size <= 0 {
		return 0
	}
	p := float64(position) / float64(size)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
