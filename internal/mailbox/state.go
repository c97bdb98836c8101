package mailbox

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/afero"

	"github.com/zjrosen/installrelay/internal/session"
)

// StateStore persists the session record. The supervisor is its only writer.
type StateStore struct {
	fs   afero.Fs
	path string
}

// Path returns the state file path.
func (s *StateStore) Path() string {
	return s.path
}

// Load reads the current record. Returns ErrNoState if none was written.
func (s *StateStore) Load() (*session.State, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNoState
	}

	var st session.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	return &st, nil
}

// Save replaces the record as a whole.
func (s *StateStore) Save(st *session.State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := writeFileAtomic(s.fs, s.path, data); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	return nil
}
