package mailbox

import (
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/spf13/afero"
)

// OutputLog is the append-only transcript of everything the installer wrote.
type OutputLog struct {
	fs   afero.Fs
	path string
}

// Path returns the log file path.
func (l *OutputLog) Path() string {
	return l.path
}

// OpenAppender truncates the log and returns a writer positioned at its start.
// Only the supervisor calls this, once per session.
func (l *OutputLog) OpenAppender() (*Appender, error) {
	if err := afero.WriteFile(l.fs, l.path, nil, 0o600); err != nil {
		return nil, fmt.Errorf("truncating output log: %w", err)
	}
	f, err := l.fs.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening output log: %w", err)
	}
	return &Appender{f: f}, nil
}

// Size returns the current length of the log, or 0 when it does not exist.
func (l *OutputLog) Size() (int64, error) {
	info, err := l.fs.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat output log: %w", err)
	}
	return info.Size(), nil
}

// ReadFrom returns every byte from offset to the current end of the log.
func (l *OutputLog) ReadFrom(offset int64) ([]byte, error) {
	f, err := l.fs.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening output log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking output log: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading output log: %w", err)
	}
	return data, nil
}

// Appender writes chunks to the end of the output log in arrival order.
// It is not safe for concurrent use; the supervisor loop owns it.
type Appender struct {
	f    afero.File
	size int64
}

// Append writes p verbatim.
func (a *Appender) Append(p []byte) error {
	n, err := a.f.Write(p)
	a.size += int64(n)
	if err != nil {
		return fmt.Errorf("appending output: %w", err)
	}
	return nil
}

// Size returns the number of bytes appended so far.
func (a *Appender) Size() int64 {
	return a.size
}

// Close releases the file handle.
func (a *Appender) Close() error {
	return a.f.Close()
}

// completePrefix returns the length of the longest prefix of b that does not
// end in the middle of a UTF-8 sequence. Invalid bytes count as complete.
func completePrefix(b []byte) int {
	n := len(b)
	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return i
			}
			return n
		}
	}
	return n
}
