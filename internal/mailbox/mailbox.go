// Package mailbox implements the file-based protocol between the supervisor
// and the client.
//
// Every file has exactly one writer:
//
//	output.log     supervisor  append-only transcript
//	state.json     supervisor  whole-record JSON snapshot
//	input.json     client      single-slot pending answer (supervisor clears)
//	control.json   client      single-slot pending command (supervisor clears)
//	last_read.json client      read cursor into output.log
//
// No locks are taken. Snapshots are replaced with write-to-temp + rename, so a
// reader sees either the previous or the next record, never a mix.
package mailbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// File names inside the mailbox directory.
const (
	OutputFile     = "output.log"
	InputFile      = "input.json"
	StateFile      = "state.json"
	ControlFile    = "control.json"
	CursorFile     = "last_read.json"
	SupervisorLog  = "supervisor.log"
	TraceFile      = "traces.jsonl"
	dirPermissions = 0o750
)

// CommandStop asks the supervisor to terminate the installer.
const CommandStop = "stop"

var (
	// ErrNoState is returned when no state record has been written yet.
	ErrNoState = errors.New("no state record")
	// ErrEmptySlot is returned when a slot holds no pending value.
	ErrEmptySlot = errors.New("slot is empty")
)

// Answer is the payload of the input slot.
type Answer struct {
	Value string `json:"value"`
}

// Control is the payload of the control slot.
type Control struct {
	Command string `json:"command"`
}

// Mailbox bundles every channel of one session directory.
type Mailbox struct {
	fs  afero.Fs
	dir string

	Output  *OutputLog
	State   *StateStore
	Input   *Slot[Answer]
	Control *Slot[Control]
	Cursor  *CursorStore
}

// Option configures a Mailbox.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used for slot markers and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Open returns a Mailbox rooted at dir. It does not touch the filesystem.
func Open(fs afero.Fs, dir string, opts ...Option) *Mailbox {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return &Mailbox{
		fs:      fs,
		dir:     dir,
		Output:  &OutputLog{fs: fs, path: filepath.Join(dir, OutputFile)},
		State:   &StateStore{fs: fs, path: filepath.Join(dir, StateFile)},
		Input:   NewSlot[Answer](fs, filepath.Join(dir, InputFile), o.now),
		Control: NewSlot[Control](fs, filepath.Join(dir, ControlFile), o.now),
		Cursor:  &CursorStore{fs: fs, path: filepath.Join(dir, CursorFile)},
	}
}

// Dir returns the mailbox directory.
func (m *Mailbox) Dir() string {
	return m.dir
}

// Fs returns the filesystem backing the mailbox.
func (m *Mailbox) Fs() afero.Fs {
	return m.fs
}

// Path returns the full path of a file inside the mailbox.
func (m *Mailbox) Path(name string) string {
	return filepath.Join(m.dir, name)
}

// Ensure creates the mailbox directory if needed.
func (m *Mailbox) Ensure() error {
	if err := m.fs.MkdirAll(m.dir, dirPermissions); err != nil {
		return fmt.Errorf("creating mailbox directory: %w", err)
	}
	return nil
}

// Recreate removes every artifact of a previous session and creates an empty
// mailbox directory. Callers must have established that no supervisor is alive.
func (m *Mailbox) Recreate() error {
	if err := m.fs.RemoveAll(m.dir); err != nil {
		return fmt.Errorf("removing stale mailbox: %w", err)
	}
	return m.Ensure()
}

// RemoveSlots deletes the input and control slots. Output and state stay on
// disk for post-mortem inspection.
func (m *Mailbox) RemoveSlots() error {
	return errors.Join(m.Input.Remove(), m.Control.Remove())
}

// writeFileAtomic replaces path with data via a temp file in the same directory.
func writeFileAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, dirPermissions); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	temp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = fs.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = fs.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := fs.Rename(tempPath, path); err != nil {
		_ = fs.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

func removeIfExists(fs afero.Fs, path string) error {
	if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
