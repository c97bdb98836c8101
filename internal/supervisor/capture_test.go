package supervisor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCapture_LineCount(t *testing.T) {
	c := newCapture(100)
	now := time.Now()
	c.add([]byte("one\n\ntw"), now)
	require.Equal(t, 2, c.lineCount())
	c.add([]byte("o\nthree"), now)
	require.Equal(t, 3, c.lineCount())
	c.add([]byte("\n   \n"), now)
	require.Equal(t, 3, c.lineCount())
}

func TestCapture_ClearKeepsLineCount(t *testing.T) {
	c := newCapture(100)
	c.add([]byte("question?\n"), time.Now())
	before := c.key()
	c.clear()
	require.True(t, c.empty())
	require.Equal(t, 1, c.lineCount())
	require.NotEqual(t, before, c.key())
}

func TestCapture_KeyTracksGrowth(t *testing.T) {
	c := newCapture(100)
	c.add([]byte("a"), time.Now())
	k1 := c.key()
	require.Equal(t, k1, c.key())
	c.add([]byte("b"), time.Now())
	require.NotEqual(t, k1, c.key())
}

func TestCapture_TailByDisplayWidth(t *testing.T) {
	c := newCapture(6)
	c.add([]byte("abc请选择操作\n"), time.Now())
	// Each CJK rune is two columns wide.
	require.Equal(t, "择操作", c.tail())

	c = newCapture(4)
	c.add([]byte("\x1b[1mhello\x1b[0m"), time.Now())
	require.Equal(t, "ello", c.tail())

	c = newCapture(0)
	c.add([]byte("keep everything"), time.Now())
	require.Equal(t, "keep everything", c.tail())
}

func TestCapture_BufferIsBounded(t *testing.T) {
	c := newCapture(10)
	c.add([]byte(strings.Repeat("x", maxBuffer)), time.Now())
	c.add([]byte("tail"), time.Now())
	require.Len(t, c.buffer, maxBuffer)
	require.True(t, strings.HasSuffix(c.text(), "tail"))
}
