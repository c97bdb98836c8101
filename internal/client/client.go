// Package client implements the short-lived commands that drive a supervisor
// through its mailbox.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/installrelay/internal/log"
	"github.com/zjrosen/installrelay/internal/mailbox"
	"github.com/zjrosen/installrelay/internal/process"
	"github.com/zjrosen/installrelay/internal/session"
)

// Spawner starts the detached supervisor process.
type Spawner interface {
	Spawn(path string, args []string) (int, error)
}

// Settings configures the client.
type Settings struct {
	StartSettle      time.Duration
	AnswerSettle     time.Duration
	StopSettle       time.Duration
	HeartbeatTimeout time.Duration
	// AbandonAfter lets start replace an active supervisor whose pid still
	// exists once its heartbeat is this old. Zero replaces it as soon as
	// the heartbeat is stale.
	AbandonAfter time.Duration

	// Executable and SuperviseArgs launch the supervisor. The session id is
	// appended as --session-id.
	Executable    string
	SuperviseArgs []string
}

// Option configures a Client.
type Option func(*Client)

// WithSpawner replaces the detached process spawner.
func WithSpawner(s Spawner) Option {
	return func(c *Client) {
		c.spawner = s
	}
}

// WithProber replaces the pid liveness probe.
func WithProber(probe func(pid int) bool) Option {
	return func(c *Client) {
		c.probe = probe
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithSleep replaces the settling wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// WithSessionIDs overrides session id generation.
func WithSessionIDs(next func() string) Option {
	return func(c *Client) {
		c.newID = next
	}
}

// Client drives one mailbox.
type Client struct {
	mb       *mailbox.Mailbox
	settings Settings

	spawner Spawner
	probe   func(pid int) bool
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	newID   func() string
}

// New returns a client for mb.
func New(mb *mailbox.Mailbox, settings Settings, opts ...Option) *Client {
	c := &Client{
		mb:       mb,
		settings: settings,
		spawner:  process.DetachedSpawner{},
		probe:    process.IsAlive,
		now:      time.Now,
		sleep:    sleepContext,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Alive reports whether st belongs to a running supervisor: the record is
// non-terminal, its heartbeat is fresh and the pid still exists.
func (c *Client) Alive(st *session.State) bool {
	if st == nil || !st.Status.IsActive() {
		return false
	}
	if !st.HeartbeatFresh(c.now(), c.settings.HeartbeatTimeout) {
		log.Debug(log.CatClient, "stale heartbeat", "heartbeat", st.Heartbeat, "pid", st.SupervisorPID)
		return false
	}
	return c.probe(st.SupervisorPID)
}

// occupied reports whether start must leave st's supervisor in place. A
// supervisor that stopped beating but whose pid still exists is assumed to be
// stalled rather than dead until AbandonAfter passes.
func (c *Client) occupied(st *session.State) bool {
	if c.Alive(st) {
		return true
	}
	if st == nil || !st.Status.IsActive() || c.settings.AbandonAfter <= 0 {
		return false
	}
	if !st.HeartbeatFresh(c.now(), c.settings.AbandonAfter) {
		return false
	}
	if !c.probe(st.SupervisorPID) {
		return false
	}
	log.Warn(log.CatClient, "supervisor heartbeat stale but pid alive", "pid", st.SupervisorPID, "heartbeat", st.Heartbeat)
	return true
}

// loadState returns the current record, mapping a missing record to
// ErrNoSupervisor.
func (c *Client) loadState() (*session.State, error) {
	st, err := c.mb.State.Load()
	if errors.Is(err, mailbox.ErrNoState) {
		return nil, ErrNoSupervisor
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// requireAlive returns the current record of a live supervisor.
func (c *Client) requireAlive() (*session.State, error) {
	st, err := c.loadState()
	if err != nil {
		return nil, err
	}
	if !c.Alive(st) {
		return st, fmt.Errorf("%w (last status %s)", ErrNoSupervisor, st.Status)
	}
	return st, nil
}

// Start launches a new supervisor unless one is already alive.
func (c *Client) Start(ctx context.Context) (Response, error) {
	if st, err := c.mb.State.Load(); err == nil && c.occupied(st) {
		return fail(Response{Status: st.Status, SupervisorPID: st.SupervisorPID, SessionID: st.SessionID},
			fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, st.SupervisorPID))
	}

	if err := c.mb.Recreate(); err != nil {
		return fail(Response{}, err)
	}

	sessionID := c.newID()
	args := append(append([]string(nil), c.settings.SuperviseArgs...), "--session-id", sessionID)
	pid, err := c.spawner.Spawn(c.settings.Executable, args)
	if err != nil {
		return fail(Response{}, fmt.Errorf("%w: %w", ErrStartupFailed, err))
	}
	log.Info(log.CatClient, "Spawned supervisor", "pid", pid, "session", sessionID)

	if err := c.sleep(ctx, c.settings.StartSettle); err != nil {
		return fail(Response{}, err)
	}

	st, err := c.mb.State.Load()
	if err != nil {
		return fail(Response{SupervisorPID: pid}, fmt.Errorf("%w: %w", ErrStartupFailed, err))
	}
	if st.SessionID != sessionID || st.SupervisorPID != pid {
		return fail(Response{SupervisorPID: pid, State: st},
			fmt.Errorf("%w: state belongs to session %s (pid %d)", ErrStartupFailed, st.SessionID, st.SupervisorPID))
	}
	if st.Status == session.StatusError {
		return fail(Response{Status: st.Status, SupervisorPID: pid, State: st},
			fmt.Errorf("%w: %s", ErrStartupFailed, st.Error))
	}

	return Response{
		Success:       true,
		Status:        st.Status,
		Message:       "installer started",
		WorkDir:       c.mb.Dir(),
		SupervisorPID: st.SupervisorPID,
		ChildPID:      st.ChildPID,
		SessionID:     st.SessionID,
	}, nil
}

// Check reports the session status and the output appended since the last
// check. A finished session still reports its final state and remaining
// output.
func (c *Client) Check(_ context.Context) (Response, error) {
	st, err := c.loadState()
	if err != nil {
		return fail(Response{}, err)
	}
	if !st.Status.IsTerminal() && !c.Alive(st) {
		return fail(Response{CurrentStatus: st.Status},
			fmt.Errorf("%w (last status %s)", ErrNoSupervisor, st.Status))
	}

	data, err := c.mb.ReadNew(st.SessionID, st.Status.IsTerminal())
	if err != nil {
		return fail(Response{Status: st.Status}, err)
	}
	output := string(data)
	waiting := st.Status == session.StatusWaitingInput

	resp := Response{
		Success:      true,
		Status:       st.Status,
		Output:       &output,
		Question:     st.Question,
		ExitCode:     st.ExitCode,
		Signal:       st.Signal,
		WaitingInput: &waiting,
	}
	if st.Status == session.StatusError {
		resp.Message = st.Error
	}
	return resp, nil
}

// Answer hands value to a supervisor that is waiting for input. The value is
// trimmed and must not be empty.
func (c *Client) Answer(ctx context.Context, value string) (Response, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fail(Response{}, ErrEmptyAnswer)
	}

	st, err := c.requireAlive()
	if err != nil {
		return fail(Response{}, err)
	}
	if st.Status != session.StatusWaitingInput {
		return fail(Response{CurrentStatus: st.Status},
			fmt.Errorf("%w: current status is %s", ErrWrongState, st.Status))
	}

	env, err := c.mb.Input.Write(mailbox.Answer{Value: value})
	if err != nil {
		return fail(Response{Status: st.Status}, err)
	}
	log.Info(log.CatClient, "Wrote answer", "marker", env.Marker, "length", len(value))

	if err := c.sleep(ctx, c.settings.AnswerSettle); err != nil {
		return fail(Response{}, err)
	}
	return Response{
		Success: true,
		Status:  c.currentStatus(st.Status),
		Message: "answer sent",
	}, nil
}

// Stop asks the supervisor to terminate the installer.
func (c *Client) Stop(ctx context.Context) (Response, error) {
	st, err := c.requireAlive()
	if err != nil {
		return fail(Response{}, err)
	}

	_, written, err := c.mb.Control.WriteIfChanged(mailbox.Control{Command: mailbox.CommandStop})
	if err != nil {
		return fail(Response{Status: st.Status}, err)
	}
	if !written {
		log.Info(log.CatClient, "Stop already pending")
	}

	if err := c.sleep(ctx, c.settings.StopSettle); err != nil {
		return fail(Response{}, err)
	}
	return Response{
		Success: true,
		Status:  c.currentStatus(st.Status),
		Message: "stop requested",
	}, nil
}

// currentStatus re-reads the status after a settling wait.
func (c *Client) currentStatus(fallback session.Status) session.Status {
	st, err := c.mb.State.Load()
	if err != nil {
		log.Warn(log.CatClient, "re-reading state", "error", err)
		return fallback
	}
	return st.Status
}
