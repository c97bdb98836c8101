// Package supervisor owns the installer process for one session.
//
// A single goroutine runs the event loop. It selects over installer output,
// installer exit, the input/control/timeout tickers, fsnotify wake-ups and OS
// signals, so all session state is owned by that goroutine and needs no locks.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/installrelay/internal/cachemanager"
	"github.com/zjrosen/installrelay/internal/detector"
	"github.com/zjrosen/installrelay/internal/log"
	"github.com/zjrosen/installrelay/internal/mailbox"
	"github.com/zjrosen/installrelay/internal/process"
	"github.com/zjrosen/installrelay/internal/pubsub"
	"github.com/zjrosen/installrelay/internal/session"
	"github.com/zjrosen/installrelay/internal/tracing"
	"github.com/zjrosen/installrelay/internal/watcher"
)

// Config holds the supervisor's inputs.
type Config struct {
	// SessionID identifies the session; a new one is generated when empty.
	SessionID string
	// Argv is the installer command line.
	Argv []string
	Dir  string
	Env  []string

	InputPoll    time.Duration
	ControlPoll  time.Duration
	TimeoutCheck time.Duration
	Quiescence   time.Duration
	TailWidth    int
	// UseFsnotify wakes the slot pollers on file events. Requires the mailbox
	// to live on the OS filesystem.
	UseFsnotify bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithTracer sets the tracer used for session spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Supervisor) {
		s.tracer = t
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		s.now = now
	}
}

// WithPID overrides the pid recorded as supervisor_pid.
func WithPID(pid int) Option {
	return func(s *Supervisor) {
		s.pid = pid
	}
}

// WithEvents publishes a copy of every persisted record to pub.
func WithEvents(pub pubsub.Publisher[*session.State]) Option {
	return func(s *Supervisor) {
		s.events = pub
	}
}

// Supervisor runs one installer session.
type Supervisor struct {
	cfg      Config
	mb       *mailbox.Mailbox
	detector *detector.Detector
	tracer   trace.Tracer
	now      func() time.Time
	pid      int
	events   pubsub.Publisher[*session.State]

	state    *session.State
	child    *process.Child
	appender *mailbox.Appender
	capture  *capture
	memo     *cachemanager.ReadThroughCache[memoKey, detectOutcome, string]
	span     trace.Span

	lastPublished     session.Status
	lastInputMarker   int64
	lastControlMarker int64
	terminateSent     bool
}

// New returns a supervisor for the session stored in mb.
func New(cfg Config, mb *mailbox.Mailbox, det *detector.Detector, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		mb:       mb,
		detector: det,
		tracer:   noop.NewTracerProvider().Tracer("noop"),
		now:      time.Now,
		pid:      os.Getpid(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.detector == nil {
		s.detector = detector.New()
	}
	if s.cfg.SessionID == "" {
		s.cfg.SessionID = uuid.NewString()
	}
	s.capture = newCapture(cfg.TailWidth)
	s.memo = newDetectMemo(s.detector)
	return s
}

// SessionID returns the id written to the state record.
func (s *Supervisor) SessionID() string {
	return s.cfg.SessionID
}

// Run starts the installer and blocks until it exits. signals delivers OS
// termination requests, each forwarded to the installer at most once.
//
// A spawn failure or panic is recorded as status error before Run returns.
func (s *Supervisor) Run(ctx context.Context, signals <-chan os.Signal) (err error) {
	// Releases the output pumps if Run returns before the child exits.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctx, s.span = s.tracer.Start(ctx, tracing.SpanSession,
		trace.WithAttributes(
			attribute.String(tracing.AttrSessionID, s.cfg.SessionID),
			attribute.StringSlice(tracing.AttrCommand, s.cfg.Argv),
		))
	defer s.span.End()

	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			err = fmt.Errorf("supervisor panic: %v", r)
			log.Error(log.CatSupervisor, "recovered panic", "panic", r, "stack", stack)
			s.span.AddEvent(tracing.EventPanic)
			s.span.SetStatus(codes.Error, err.Error())
			if s.child != nil && !s.terminateSent {
				_ = s.child.Terminate()
			}
			s.fail(err, stack)
		}
	}()

	if err := s.start(ctx); err != nil {
		s.span.SetStatus(codes.Error, err.Error())
		return err
	}
	return s.loop(ctx, signals)
}

// start prepares the mailbox, writes the initial record and spawns the child.
func (s *Supervisor) start(ctx context.Context) error {
	if err := s.mb.Ensure(); err != nil {
		return err
	}
	if err := s.mb.RemoveSlots(); err != nil {
		log.Warn(log.CatSupervisor, "clearing stale slots", "error", err)
	}

	s.state = session.New(s.cfg.SessionID, s.pid, s.cfg.Argv, s.now())
	s.save()

	app, err := s.mb.Output.OpenAppender()
	if err != nil {
		s.fail(err, "")
		return err
	}
	s.appender = app

	if len(s.cfg.Argv) == 0 {
		err := fmt.Errorf("%w: empty installer command", process.ErrSpawn)
		s.fail(err, "")
		return err
	}

	child, err := process.NewSpawnBuilder(ctx).
		WithExecutable(s.cfg.Argv[0], s.cfg.Argv[1:]).
		WithWorkDir(s.cfg.Dir).
		WithEnv(s.cfg.Env).
		Build()
	if err != nil {
		log.ErrorErr(log.CatSupervisor, "Failed to spawn installer", err, "argv", s.cfg.Argv)
		s.fail(err, "")
		return err
	}
	s.child = child

	s.capture.reset(s.now())
	s.state.Running(child.PID())
	s.save()

	s.span.AddEvent(tracing.EventChildStarted, trace.WithAttributes(attribute.Int(tracing.AttrChildPID, child.PID())))
	log.Info(log.CatSupervisor, "Session running", "session", s.cfg.SessionID, "childPid", child.PID())
	return nil
}

func (s *Supervisor) loop(ctx context.Context, signals <-chan os.Signal) error {
	inputTick := time.NewTicker(s.cfg.InputPoll)
	defer inputTick.Stop()
	controlTick := time.NewTicker(s.cfg.ControlPoll)
	defer controlTick.Stop()
	timeoutTick := time.NewTicker(s.cfg.TimeoutCheck)
	defer timeoutTick.Stop()

	wake, stopWatcher := s.startWatcher()
	defer stopWatcher()

	chunks := s.child.Chunks()
	done := ctx.Done()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			s.handleChunk(chunk)

		case exit := <-s.child.Exit():
			return s.finish(exit)

		case <-inputTick.C:
			s.pollInput(ctx)

		case <-controlTick.C:
			s.pollControl(ctx)

		case <-timeoutTick.C:
			s.tick(ctx)

		case <-wake:
			s.pollControl(ctx)
			s.pollInput(ctx)

		case sig := <-signals:
			log.Info(log.CatSupervisor, "Received signal", "signal", sig)
			s.span.AddEvent(tracing.EventSignalReceived, trace.WithAttributes(attribute.String(tracing.AttrExitSignal, sig.String())))
			s.terminateOnce("signal " + sig.String())

		case <-done:
			// The child is killed through its context; keep looping until its
			// exit is recorded.
			log.Warn(log.CatSupervisor, "Context cancelled, waiting for installer exit")
			done = nil
		}
	}
}

// startWatcher returns a wake channel for slot writes, or nil when fsnotify
// is disabled or unavailable.
func (s *Supervisor) startWatcher() (<-chan struct{}, func()) {
	none := func() {}
	if !s.cfg.UseFsnotify {
		return nil, none
	}
	if _, ok := s.mb.Fs().(*afero.OsFs); !ok {
		log.Debug(log.CatWatcher, "fsnotify disabled for non-OS filesystem")
		return nil, none
	}

	w, err := watcher.New(watcher.DefaultConfig(s.mb.Dir(), mailbox.InputFile, mailbox.ControlFile))
	if err != nil {
		log.Warn(log.CatWatcher, "fsnotify unavailable, polling only", "error", err)
		return nil, none
	}
	wake, err := w.Start()
	if err != nil {
		_ = w.Stop()
		log.Warn(log.CatWatcher, "fsnotify unavailable, polling only", "error", err)
		return nil, none
	}
	return wake, func() { _ = w.Stop() }
}

// handleChunk records output and runs line-level detection on the chunk.
func (s *Supervisor) handleChunk(chunk process.Chunk) {
	if err := s.appender.Append(chunk.Data); err != nil {
		log.ErrorErr(log.CatSupervisor, "Failed to append output", err)
	}
	text := s.capture.add(chunk.Data, chunk.At)

	if s.state.Status != session.StatusRunning {
		return
	}
	if res, ok := s.detector.Detect(text); ok {
		s.waitForInput(res, session.DetectedByOutput)
	}
}

// tick refreshes the heartbeat and runs the timeout heuristic.
func (s *Supervisor) tick(ctx context.Context) {
	now := s.now()
	s.state.Beat(now)
	defer s.save()

	if s.state.Status != session.StatusRunning {
		return
	}
	quiet := now.Sub(s.capture.lastOutput)
	if quiet < s.cfg.Quiescence || s.capture.empty() {
		return
	}
	buffer := s.capture.text()
	if !s.detector.HasQuestionSignal(buffer) {
		return
	}

	outcome, err := s.memo.Get(ctx, s.capture.key(), buffer, cachemanager.DefaultExpiration)
	if err != nil || !outcome.Matched {
		return
	}
	log.Debug(log.CatDetector, "timeout heuristic fired", "quietFor", quiet)
	s.span.SetAttributes(attribute.Int64(tracing.AttrQuiescenceMs, quiet.Milliseconds()))
	s.waitForInput(outcome.Result, session.DetectedByTimeout)
}

func (s *Supervisor) waitForInput(res detector.Result, by string) {
	err := s.state.WaitForInput(res.Question, by, s.capture.lineCount(), s.capture.tail())
	if err != nil {
		log.Warn(log.CatSupervisor, "Ignoring detection", "error", err)
		return
	}
	s.save()

	s.span.AddEvent(tracing.EventQuestionDetected, trace.WithAttributes(
		attribute.String(tracing.AttrQuestionKind, string(res.Question.Kind)),
		attribute.String(tracing.AttrQuestionText, res.Question.Text),
		attribute.String(tracing.AttrDetectorRule, res.Rule),
		attribute.String(tracing.AttrDetectedBy, by),
	))
	log.Info(log.CatDetector, "Waiting for input",
		"kind", res.Question.Kind, "text", res.Question.Text, "rule", res.Rule, "detectedBy", by)
}

// pollInput forwards a pending answer while the session waits for one.
func (s *Supervisor) pollInput(ctx context.Context) {
	if s.state.Status != session.StatusWaitingInput {
		return
	}

	env, changed, err := s.mb.Input.ReadIfChanged(s.lastInputMarker)
	if err != nil {
		log.Warn(log.CatRelay, "Discarding unreadable input slot", "error", err)
		if _, err := s.mb.Input.ConsumeAndClear(0); err != nil {
			log.ErrorErr(log.CatRelay, "Failed to clear input slot", err)
		}
		return
	}
	if !changed {
		return
	}
	s.lastInputMarker = env.Marker

	value := env.Value.Value
	if strings.TrimSpace(value) == "" {
		log.Warn(log.CatRelay, "Ignoring empty answer", "marker", env.Marker)
		s.clearInput(env.Marker)
		return
	}

	_, span := s.tracer.Start(ctx, tracing.SpanRelay,
		trace.WithAttributes(attribute.Int(tracing.AttrInputLength, len(value))))
	defer span.End()

	if err := s.child.WriteLine(value); err != nil {
		log.ErrorErr(log.CatRelay, "Failed to forward answer", err)
		span.SetStatus(codes.Error, err.Error())
		s.clearInput(env.Marker)
		return
	}
	s.clearInput(env.Marker)

	s.capture.clear()
	if err := s.memo.Reset(ctx); err != nil {
		log.Warn(log.CatDetector, "Failed to reset detection memo", "error", err)
	}

	if err := s.state.Resume(value, s.now()); err != nil {
		log.Warn(log.CatRelay, "Unexpected state on resume", "error", err)
		return
	}
	s.save()
	log.Info(log.CatRelay, "Forwarded answer", "length", len(value))
}

func (s *Supervisor) clearInput(marker int64) {
	if _, err := s.mb.Input.ConsumeAndClear(marker); err != nil {
		log.ErrorErr(log.CatRelay, "Failed to clear input slot", err)
	}
}

// pollControl handles a pending control command.
func (s *Supervisor) pollControl(ctx context.Context) {
	env, changed, err := s.mb.Control.ReadIfChanged(s.lastControlMarker)
	if err != nil {
		log.Warn(log.CatControl, "Discarding unreadable control slot", "error", err)
		if _, err := s.mb.Control.ConsumeAndClear(0); err != nil {
			log.ErrorErr(log.CatControl, "Failed to clear control slot", err)
		}
		return
	}
	if !changed {
		return
	}
	s.lastControlMarker = env.Marker

	switch env.Value.Command {
	case mailbox.CommandStop:
		_, span := s.tracer.Start(ctx, tracing.SpanControl,
			trace.WithAttributes(attribute.String(tracing.AttrControlCmd, env.Value.Command)))
		sent := s.terminateOnce("stop command")
		span.SetAttributes(attribute.Bool(tracing.AttrSignalForward, sent))
		span.End()
	default:
		log.Warn(log.CatControl, "Unknown control command", "command", env.Value.Command)
	}

	if _, err := s.mb.Control.ConsumeAndClear(env.Marker); err != nil {
		log.ErrorErr(log.CatControl, "Failed to clear control slot", err)
	}
}

// terminateOnce sends the graceful termination signal unless one was already
// sent. Reports whether a signal was sent now.
func (s *Supervisor) terminateOnce(reason string) bool {
	if s.terminateSent {
		log.Info(log.CatControl, "Termination already requested", "reason", reason)
		return false
	}
	s.terminateSent = true
	if err := s.child.Terminate(); err != nil {
		log.ErrorErr(log.CatControl, "Failed to terminate installer", err, "reason", reason)
		return false
	}
	log.Info(log.CatControl, "Terminating installer", "reason", reason, "pid", s.child.PID())
	return true
}

// finish records the child's exit. Writing the state is the last action.
func (s *Supervisor) finish(exit process.Exit) error {
	if err := s.appender.Close(); err != nil {
		log.Warn(log.CatSupervisor, "Closing output log", "error", err)
	}
	if err := s.mb.RemoveSlots(); err != nil {
		log.Warn(log.CatSupervisor, "Removing slots", "error", err)
	}

	attrs := []attribute.KeyValue{
		attribute.Int64(tracing.AttrOutputBytes, s.appender.Size()),
		attribute.Int(tracing.AttrOutputLines, s.capture.lineCount()),
	}
	if exit.Code != nil {
		attrs = append(attrs, attribute.Int(tracing.AttrExitCode, *exit.Code))
	}
	if exit.Signal != "" {
		attrs = append(attrs, attribute.String(tracing.AttrExitSignal, exit.Signal))
	}
	s.span.AddEvent(tracing.EventChildExited, trace.WithAttributes(attrs...))

	if exit.Err != nil {
		s.span.SetStatus(codes.Error, exit.Err.Error())
		s.fail(exit.Err, "")
		return fmt.Errorf("waiting for installer: %w", exit.Err)
	}

	s.state.Complete(exit.Code, exit.Signal, s.now())
	s.save()
	s.span.SetAttributes(attribute.String(tracing.AttrFinalStatus, string(s.state.Status)))
	s.span.SetStatus(codes.Ok, "")
	log.Info(log.CatSupervisor, "Session completed", "session", s.cfg.SessionID, "exit", exit)
	return nil
}

// fail moves the session to status error and persists it.
func (s *Supervisor) fail(err error, stack string) {
	if s.state == nil {
		s.state = session.New(s.cfg.SessionID, s.pid, s.cfg.Argv, s.now())
	}
	if s.child != nil {
		s.state.ChildPID = s.child.PID()
	}
	s.state.Fail(err, stack, s.now())
	s.save()
	s.span.SetAttributes(
		attribute.String(tracing.AttrFinalStatus, string(s.state.Status)),
		attribute.String(tracing.AttrErrorMessage, err.Error()),
	)
}

// save persists the whole record.
func (s *Supervisor) save() {
	if err := s.state.Validate(); err != nil {
		log.Error(log.CatSupervisor, "State invariant violated", "error", err)
	}
	if err := s.mb.State.Save(s.state); err != nil {
		log.ErrorErr(log.CatSupervisor, "Failed to save state", err)
		return
	}
	if s.events != nil {
		kind := pubsub.UpdatedEvent
		if s.state.Status != s.lastPublished {
			kind = pubsub.TransitionEvent
			s.lastPublished = s.state.Status
		}
		s.events.PublishAt(kind, s.state.Clone(), s.now())
	}
}

// IsSpawnError reports whether err came from starting the installer.
func IsSpawnError(err error) bool {
	return errors.Is(err, process.ErrSpawn)
}
