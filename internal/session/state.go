// Package session defines the session state record shared through the mailbox.
//
// The supervisor is the only writer. Every mutation goes through a transition
// method so that the question/status invariant holds in each persisted snapshot.
package session

import (
	"fmt"
	"time"
)

// Status is the lifecycle phase of a session.
type Status string

const (
	StatusUnknown      Status = "unknown"
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusWaitingInput Status = "waiting_input"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// IsTerminal returns true once the session can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// IsActive returns true while a supervisor is expected to be driving the session.
func (s Status) IsActive() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusWaitingInput
}

// QuestionKind classifies a detected prompt.
type QuestionKind string

const (
	KindQuestion QuestionKind = "question"
	KindChoice   QuestionKind = "choice"
	KindYesNo    QuestionKind = "yesno"
	KindPrompt   QuestionKind = "prompt"
)

// Question is the prompt the installer is blocked on.
type Question struct {
	Kind QuestionKind `json:"kind"`
	Text string       `json:"text"`
	Raw  string       `json:"raw"`
}

// Detection sources recorded in State.DetectedBy.
const (
	DetectedByOutput  = "output"
	DetectedByTimeout = "timeout"
)

// State is the whole session record. It is always written as one unit.
type State struct {
	SessionID     string     `json:"session_id"`
	Status        Status     `json:"status"`
	SupervisorPID int        `json:"supervisor_pid"`
	ChildPID      int        `json:"child_pid,omitempty"`
	Command       []string   `json:"command,omitempty"`
	Question      *Question  `json:"question,omitempty"`
	DetectedBy    string     `json:"detected_by,omitempty"`
	OutputLines   int        `json:"output_lines"`
	BufferTail    string     `json:"buffer_tail,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	Signal        string     `json:"signal,omitempty"`
	Error         string     `json:"error,omitempty"`
	Stack         string     `json:"stack,omitempty"`
	LastInput     string     `json:"last_input,omitempty"`
	LastInputTime *time.Time `json:"last_input_time,omitempty"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	Heartbeat     time.Time  `json:"heartbeat"`
}

// New returns the initial record written by a freshly started supervisor.
func New(sessionID string, supervisorPID int, command []string, now time.Time) *State {
	return &State{
		SessionID:     sessionID,
		Status:        StatusStarting,
		SupervisorPID: supervisorPID,
		Command:       command,
		StartTime:     now,
		Heartbeat:     now,
	}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.Question != nil {
		q := *s.Question
		c.Question = &q
	}
	if s.ExitCode != nil {
		code := *s.ExitCode
		c.ExitCode = &code
	}
	if s.LastInputTime != nil {
		t := *s.LastInputTime
		c.LastInputTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	c.Command = append([]string(nil), s.Command...)
	return &c
}

// Running records the spawned child and moves to running.
func (s *State) Running(childPID int) {
	s.Status = StatusRunning
	s.ChildPID = childPID
}

// WaitForInput stores the detected question. Only valid from running.
func (s *State) WaitForInput(q Question, detectedBy string, outputLines int, tail string) error {
	if s.Status != StatusRunning {
		return fmt.Errorf("cannot wait for input from status %s", s.Status)
	}
	s.Status = StatusWaitingInput
	s.Question = &q
	s.DetectedBy = detectedBy
	s.OutputLines = outputLines
	s.BufferTail = tail
	return nil
}

// Resume clears the question together with the transition back to running.
func (s *State) Resume(input string, at time.Time) error {
	if s.Status != StatusWaitingInput {
		return fmt.Errorf("cannot accept input in status %s", s.Status)
	}
	s.Status = StatusRunning
	s.Question = nil
	s.DetectedBy = ""
	s.LastInput = input
	s.LastInputTime = &at
	return nil
}

// Complete records the child's exit. A nil exitCode means the child was
// terminated by a signal.
func (s *State) Complete(exitCode *int, signal string, at time.Time) {
	s.Status = StatusCompleted
	s.Question = nil
	s.DetectedBy = ""
	s.ExitCode = exitCode
	s.Signal = signal
	s.EndTime = &at
}

// Fail moves the session to the terminal error status.
func (s *State) Fail(err error, stack string, at time.Time) {
	s.Status = StatusError
	s.Question = nil
	s.DetectedBy = ""
	if err != nil {
		s.Error = err.Error()
	}
	s.Stack = stack
	s.EndTime = &at
}

// Beat refreshes the liveness heartbeat.
func (s *State) Beat(now time.Time) {
	s.Heartbeat = now
}

// HeartbeatFresh reports whether the heartbeat is younger than timeout.
func (s *State) HeartbeatFresh(now time.Time, timeout time.Duration) bool {
	if s.Heartbeat.IsZero() {
		return false
	}
	return now.Sub(s.Heartbeat) <= timeout
}

// Validate checks the record invariants.
func (s *State) Validate() error {
	if (s.Question != nil) != (s.Status == StatusWaitingInput) {
		return fmt.Errorf("question present=%t with status %s", s.Question != nil, s.Status)
	}
	if s.ExitCode != nil && s.Status != StatusCompleted {
		return fmt.Errorf("exit code set with status %s", s.Status)
	}
	return nil
}
