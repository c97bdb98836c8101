package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
)

// Envelope is the on-disk form of a slot value. Marker increases with every
// write so the consumer can tell a new write from one it already processed.
//
// A consumed envelope is a tombstone: the slot reads as empty but the marker
// stays on disk, so the next write is still numbered above it even if the
// wall clock stepped back.
type Envelope[T any] struct {
	Marker    int64     `json:"marker"`
	Value     T         `json:"value"`
	WrittenAt time.Time `json:"written_at"`
	Consumed  bool      `json:"consumed,omitempty"`
}

// Slot is a single-value mailbox file. A write replaces any unconsumed value
// (last write wins); it never queues.
type Slot[T comparable] struct {
	fs   afero.Fs
	path string
	now  func() time.Time
}

// NewSlot returns a slot stored at path.
func NewSlot[T comparable](fs afero.Fs, path string, now func() time.Time) *Slot[T] {
	if now == nil {
		now = time.Now
	}
	return &Slot[T]{fs: fs, path: path, now: now}
}

// Path returns the slot file path.
func (s *Slot[T]) Path() string {
	return s.path
}

// Read returns the pending envelope or ErrEmptySlot.
func (s *Slot[T]) Read() (Envelope[T], error) {
	env, err := s.load()
	if err == nil && env.Consumed {
		return Envelope[T]{}, ErrEmptySlot
	}
	return env, err
}

// load returns whatever envelope is on disk, tombstones included.
func (s *Slot[T]) load() (Envelope[T], error) {
	var env Envelope[T]

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return env, ErrEmptySlot
		}
		return env, fmt.Errorf("reading slot %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return env, ErrEmptySlot
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decoding slot %s: %w", s.path, err)
	}
	return env, nil
}

// ReadIfChanged returns the pending envelope only when its marker is newer
// than last.
func (s *Slot[T]) ReadIfChanged(last int64) (Envelope[T], bool, error) {
	env, err := s.Read()
	if err != nil {
		if errors.Is(err, ErrEmptySlot) {
			return env, false, nil
		}
		return env, false, err
	}
	return env, env.Marker > last, nil
}

// Write stores value, overwriting any pending value.
func (s *Slot[T]) Write(value T) (Envelope[T], error) {
	var prev int64
	if env, err := s.load(); err == nil {
		prev = env.Marker
	}

	now := s.now()
	marker := now.UnixNano()
	if marker <= prev {
		marker = prev + 1
	}

	env := Envelope[T]{Marker: marker, Value: value, WrittenAt: now}
	return env, s.store(env)
}

func (s *Slot[T]) store(env Envelope[T]) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding slot value: %w", err)
	}
	if err := writeFileAtomic(s.fs, s.path, data); err != nil {
		return fmt.Errorf("writing slot %s: %w", s.path, err)
	}
	return nil
}

// WriteIfChanged writes value unless the same value is already pending.
// The boolean reports whether a write happened.
func (s *Slot[T]) WriteIfChanged(value T) (Envelope[T], bool, error) {
	if env, err := s.Read(); err == nil && env.Value == value {
		return env, false, nil
	}
	env, err := s.Write(value)
	if err != nil {
		return env, false, err
	}
	return env, true, nil
}

// ConsumeAndClear empties the slot if it still holds the envelope with the
// given marker, leaving a tombstone that carries the marker. A newer write is
// left in place for the next poll and reported as not cleared.
func (s *Slot[T]) ConsumeAndClear(marker int64) (bool, error) {
	env, err := s.load()
	if errors.Is(err, ErrEmptySlot) || (err == nil && env.Consumed) {
		return true, nil
	}
	if err == nil && env.Marker != marker {
		return false, nil
	}
	// Undecodable content is discarded along with the consumed value.
	tombstone := Envelope[T]{Marker: max(marker, env.Marker), WrittenAt: s.now(), Consumed: true}
	if err := s.store(tombstone); err != nil {
		return false, fmt.Errorf("clearing slot: %w", err)
	}
	return true, nil
}

// Remove deletes the slot file, tombstone included.
func (s *Slot[T]) Remove() error {
	if err := removeIfExists(s.fs, s.path); err != nil {
		return fmt.Errorf("removing slot %s: %w", s.path, err)
	}
	return nil
}
