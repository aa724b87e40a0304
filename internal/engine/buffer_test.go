package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain feeds content through a lineBuffer in chunks of size n and returns
// every line in order along with the total byte count consumed.
func drain(content string, n int) ([]string, int64) {
	var b lineBuffer
	out := []string{}
	var total int64

	for off := 0; off < len(content); off += n {
		end := off + n
		if end > len(content) {
			end = len(content)
		}
		b.fill([]byte(content[off:end]))
		for {
			l, ok := b.peek()
			if !ok {
				break
			}
			b.pop()
			out = append(out, l.text)
			total += l.size
		}
	}
	if b.flush() {
		l, _ := b.peek()
		b.pop()
		out = append(out, l.text)
		total += l.size
	}
	return out, total
}

func TestLineBuffer_ChunkSizeIndependent(t *testing.T) {
	contents := []string{
		"G28\nG1 X10\nM400\n",
		"G28\n\nG1 X10 ; move\n\n\nM400",
		"; header\nG1 X1 Y2 E0.5\nG1 X2 Y2 E1.0\nM104 S200 ; température\n",
		"",
		"\n",
		"no newline at all",
	}

	for _, content := range contents {
		want := strings.Split(content, "\n")
		if strings.HasSuffix(content, "\n") || content == "" {
			want = want[:len(want)-1]
		}

		for n := 1; n <= len(content)+2; n++ {
			got, total := drain(content, n)
			require.Equal(t, want, got, "content %q chunk %d", content, n)
			assert.Equal(t, int64(len(content)), total, "sizes must sum to file length")
		}
	}
}

func TestLineBuffer_SizeCountsBytes(t *testing.T) {
	var b lineBuffer
	b.fill([]byte("M117 Größe\n"))

	l, ok := b.peek()
	require.True(t, ok)
	assert.Equal(t, int64(len("M117 Größe"))+1, l.size)
	assert.Equal(t, int64(13), l.size)
}

func TestLineBuffer_CarriesPartial(t *testing.T) {
	var b lineBuffer
	b.fill([]byte("G1 X"))
	assert.True(t, b.empty())

	b.fill([]byte("10\nG1"))
	l, ok := b.peek()
	require.True(t, ok)
	assert.Equal(t, "G1 X10", l.text)
	b.pop()
	assert.True(t, b.empty())

	require.True(t, b.flush())
	l, _ = b.peek()
	assert.Equal(t, "G1", l.text)
	assert.Equal(t, int64(2), l.size)
	assert.False(t, b.flush())
}

func TestLineBuffer_Reset(t *testing.T) {
	var b lineBuffer
	b.fill([]byte("A\nB\nC"))
	b.reset()

	assert.True(t, b.empty())
	assert.False(t, b.flush())
}
