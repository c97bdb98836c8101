package mailbox

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/afero"

	"github.com/zjrosen/installrelay/internal/log"
)

// Cursor is the client's position in the output log. It is bound to a session
// so a cursor left over from an earlier session is never applied to a new log.
type Cursor struct {
	SessionID string `json:"session_id"`
	Offset    int64  `json:"offset"`
}

// CursorStore persists the read cursor. The client is its only writer.
type CursorStore struct {
	fs   afero.Fs
	path string
}

// Load returns the stored cursor, or a zero cursor when none exists.
func (c *CursorStore) Load() (Cursor, error) {
	var cur Cursor

	data, err := afero.ReadFile(c.fs, c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return cur, nil
		}
		return cur, fmt.Errorf("reading cursor: %w", err)
	}
	if len(data) == 0 {
		return cur, nil
	}
	if err := json.Unmarshal(data, &cur); err != nil {
		log.Warn(log.CatMailbox, "discarding unreadable cursor", "error", err)
		return Cursor{}, nil
	}
	return cur, nil
}

// Save stores the cursor.
func (c *CursorStore) Save(cur Cursor) error {
	data, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("encoding cursor: %w", err)
	}
	if err := writeFileAtomic(c.fs, c.path, data); err != nil {
		return fmt.Errorf("writing cursor: %w", err)
	}
	return nil
}

// Reset forgets the cursor so the next read starts at offset 0.
func (c *CursorStore) Reset() error {
	if err := removeIfExists(c.fs, c.path); err != nil {
		return fmt.Errorf("resetting cursor: %w", err)
	}
	return nil
}

// ReadNew returns the output appended since the cursor and advances the
// cursor past it. While the session is live, a trailing partial UTF-8
// sequence is held back for the next call; once final is set every byte is
// delivered.
func (m *Mailbox) ReadNew(sessionID string, final bool) ([]byte, error) {
	cur, err := m.Cursor.Load()
	if err != nil {
		return nil, err
	}

	offset := cur.Offset
	if cur.SessionID != sessionID {
		offset = 0
	}

	size, err := m.Output.Size()
	if err != nil {
		return nil, err
	}
	if offset > size {
		log.Warn(log.CatMailbox, "cursor past end of output, restarting", "offset", offset, "size", size)
		offset = 0
	}

	data, err := m.Output.ReadFrom(offset)
	if err != nil {
		return nil, err
	}
	if !final {
		data = data[:completePrefix(data)]
	}

	next := Cursor{SessionID: sessionID, Offset: offset + int64(len(data))}
	if next != cur {
		if err := m.Cursor.Save(next); err != nil {
			return nil, err
		}
	}
	return data, nil
}
