package testutil

import (
	"fmt"
	"sync"
	"time"
)

// FakeTracker records progress notifications as strings such as "start",
// "pause" or "error:Unknown command".
type FakeTracker struct {
	mu    sync.Mutex
	calls []string
}

// NewFakeTracker creates an empty tracker.
func NewFakeTracker() *FakeTracker {
	return &FakeTracker{}
}

func (t *FakeTracker) record(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, s)
}

func (t *FakeTracker) NoteStart()                    { t.record("start") }
func (t *FakeTracker) NotePause()                    { t.record("pause") }
func (t *FakeTracker) NoteCancel()                   { t.record("cancel") }
func (t *FakeTracker) NoteComplete()                 { t.record("complete") }
func (t *FakeTracker) NoteError(msg string)          { t.record("error:" + msg) }
func (t *FakeTracker) SetCurrentFile(name string)    { t.record("file:" + name) }
func (t *FakeTracker) Reset()                        { t.record("reset") }
func (t *FakeTracker) AdjustElapsed(d time.Duration) { t.record(fmt.Sprintf("elapsed:%s", d)) }

// Calls returns a copy of the recorded notifications.
func (t *FakeTracker) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

// Count returns how many times call was recorded.
func (t *FakeTracker) Count(call string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, c := range t.calls {
		if c == call {
			n++
		}
	}
	return n
}
