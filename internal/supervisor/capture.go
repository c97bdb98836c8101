package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"

	"github.com/zjrosen/installrelay/internal/cachemanager"
	"github.com/zjrosen/installrelay/internal/detector"
	"github.com/zjrosen/installrelay/internal/log"
)

// maxBuffer bounds the detection buffer. Older bytes are dropped first.
const maxBuffer = 64 * 1024

// capture tracks installer output for detection. The buffer holds everything
// since the last forwarded answer.
type capture struct {
	tailWidth int

	buffer     []byte
	added      int64
	generation int
	lastOutput time.Time

	lines   int
	partial bool
}

func newCapture(tailWidth int) *capture {
	return &capture{tailWidth: tailWidth}
}

func (c *capture) reset(now time.Time) {
	c.buffer = c.buffer[:0]
	c.added = 0
	c.lines = 0
	c.partial = false
	c.lastOutput = now
}

// add appends a chunk and returns its text.
func (c *capture) add(data []byte, at time.Time) string {
	c.buffer = append(c.buffer, data...)
	if over := len(c.buffer) - maxBuffer; over > 0 {
		c.buffer = c.buffer[over:]
	}
	c.added += int64(len(data))
	c.lastOutput = at
	c.countLines(data)
	return strings.ToValidUTF8(string(data), string(utf8.RuneError))
}

func (c *capture) countLines(data []byte) {
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			if len(bytes.TrimSpace(data)) > 0 {
				c.partial = true
			}
			return
		}
		if c.partial || len(bytes.TrimSpace(data[:i])) > 0 {
			c.lines++
		}
		c.partial = false
		data = data[i+1:]
	}
}

// clear drops the buffer after an answer was forwarded.
func (c *capture) clear() {
	c.buffer = c.buffer[:0]
	c.added = 0
	c.generation++
}

func (c *capture) empty() bool {
	return len(bytes.TrimSpace(c.buffer)) == 0
}

func (c *capture) text() string {
	return strings.ToValidUTF8(string(c.buffer), string(utf8.RuneError))
}

// lineCount is the number of non-empty lines captured this session.
func (c *capture) lineCount() int {
	if c.partial {
		return c.lines + 1
	}
	return c.lines
}

// key identifies the buffer's content for the detection memo.
func (c *capture) key() memoKey {
	return memoKey(fmt.Sprintf("%d:%d", c.generation, c.added))
}

// tail returns the last tailWidth display columns of the normalized buffer.
func (c *capture) tail() string {
	text := strings.TrimRight(detector.Normalize(c.text()), " \t\n")
	if c.tailWidth <= 0 || runewidth.StringWidth(text) <= c.tailWidth {
		return text
	}

	width := 0
	start := len(text)
	for start > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:start])
		w := runewidth.RuneWidth(r)
		if width+w > c.tailWidth {
			break
		}
		width += w
		start -= size
	}
	return text[start:]
}

type memoKey string

type detectOutcome struct {
	Matched bool
	Result  detector.Result
}

// newDetectMemo remembers full-buffer detections so an unchanged buffer is
// scanned once per quiet period.
func newDetectMemo(d *detector.Detector) *cachemanager.ReadThroughCache[memoKey, detectOutcome, string] {
	cache := cachemanager.NewInMemoryCacheManager[memoKey, detectOutcome]("timeout-detection", time.Minute, 5*time.Minute)
	return cachemanager.NewReadThroughCache[memoKey, detectOutcome, string](cache,
		func(_ context.Context, buffer string) (detectOutcome, error) {
			res, ok := d.Detect(buffer)
			log.Debug(log.CatCache, "detection memo miss", "matched", ok, "bytes", len(buffer))
			return detectOutcome{Matched: ok, Result: res}, nil
		}, false)
}
