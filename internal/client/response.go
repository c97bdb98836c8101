package client

import (
	"errors"

	"github.com/zjrosen/installrelay/internal/session"
)

// Sentinel errors surfaced as response codes.
var (
	ErrNoSupervisor   = errors.New("no running supervisor")
	ErrAlreadyRunning = errors.New("supervisor already running")
	ErrWrongState     = errors.New("session is not waiting for input")
	ErrStartupFailed  = errors.New("supervisor failed to start")
	ErrEmptyAnswer    = errors.New("answer must not be empty")
)

// Response codes.
const (
	CodeNoSupervisor   = "no_supervisor"
	CodeAlreadyRunning = "already_running"
	CodeWrongState     = "wrong_state"
	CodeStartupFailed  = "startup_failed"
	CodeEmptyAnswer    = "empty_answer"
	CodeInternal       = "internal"
)

// Response is the single JSON object printed by every client command.
type Response struct {
	Success bool           `json:"success"`
	Status  session.Status `json:"status,omitempty"`
	Message string         `json:"message,omitempty"`

	// check
	Output       *string           `json:"output,omitempty"`
	Question     *session.Question `json:"question,omitempty"`
	ExitCode     *int              `json:"exit_code,omitempty"`
	Signal       string            `json:"signal,omitempty"`
	WaitingInput *bool             `json:"waiting_input,omitempty"`

	// start
	WorkDir       string `json:"work_dir,omitempty"`
	SupervisorPID int    `json:"supervisor_pid,omitempty"`
	ChildPID      int    `json:"child_pid,omitempty"`
	SessionID     string `json:"session_id,omitempty"`

	// failures
	Error         string         `json:"error,omitempty"`
	Code          string         `json:"code,omitempty"`
	CurrentStatus session.Status `json:"current_status,omitempty"`
	State         *session.State `json:"state,omitempty"`
}

// CodeFor maps an error to its response code.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, ErrNoSupervisor):
		return CodeNoSupervisor
	case errors.Is(err, ErrAlreadyRunning):
		return CodeAlreadyRunning
	case errors.Is(err, ErrWrongState):
		return CodeWrongState
	case errors.Is(err, ErrStartupFailed):
		return CodeStartupFailed
	case errors.Is(err, ErrEmptyAnswer):
		return CodeEmptyAnswer
	default:
		return CodeInternal
	}
}

// fail fills the failure fields of resp from err.
func fail(resp Response, err error) (Response, error) {
	resp.Success = false
	resp.Error = err.Error()
	resp.Code = CodeFor(err)
	return resp, err
}

// Failure builds a failure response for an error raised outside the client,
// such as a configuration problem.
func Failure(err error) Response {
	resp, _ := fail(Response{}, err)
	return resp
}
