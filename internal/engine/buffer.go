package engine

import "bytes"

// line is one queued command line.
type line struct {
	text string

	// size is the number of file bytes the line occupies, including its
	// newline. The final unterminated line has no newline to count.
	size int64
}

// lineBuffer splits chunks into lines. Complete lines are kept in reverse
// order so the next line is popped from the end; the trailing unterminated
// fragment is carried into the next fill.
type lineBuffer struct {
	lines   []line
	partial []byte
}

// fill splits a freshly read chunk. The carried fragment is prepended to the
// chunk's first line.
func (b *lineBuffer) fill(chunk []byte) {
	data := chunk
	if len(b.partial) > 0 {
		data = append(b.partial, chunk...)
	}

	parts := bytes.Split(data, []byte{'\n'})
	last := len(parts) - 1
	b.partial = append([]byte(nil), parts[last]...)

	for i := last - 1; i >= 0; i-- {
		b.lines = append(b.lines, line{
			text: string(parts[i]),
			size: int64(len(parts[i])) + 1,
		})
	}
}

// flush queues the carried fragment as a final line. Returns false when there
// is no fragment.
func (b *lineBuffer) flush() bool {
	if len(b.partial) == 0 {
		return false
	}
	b.lines = append(b.lines, line{
		text: string(b.partial),
		size: int64(len(b.partial)),
	})
	b.partial = nil
	return true
}

// peek returns the next line without removing it.
func (b *lineBuffer) peek() (line, bool) {
	if len(b.lines) == 0 {
		return line{}, false
	}
	return b.lines[len(b.lines)-1], true
}

// pop removes the next line.
func (b *lineBuffer) pop() {
	if len(b.lines) > 0 {
		b.lines = b.lines[:len(b.lines)-1]
	}
}

func (b *lineBuffer) empty() bool {
	return len(b.lines) == 0
}

// reset discards queued lines and the carried fragment.
func (b *lineBuffer) reset() {
	b.lines = nil
	b.partial = nil
}
