package tracing

// Span attribute keys.
const (
	AttrSessionID     = "session.id"
	AttrChildPID      = "child.pid"
	AttrCommand       = "installer.command"
	AttrQuestionKind  = "question.kind"
	AttrQuestionText  = "question.text"
	AttrDetectedBy    = "question.detected_by"
	AttrDetectorRule  = "detector.rule"
	AttrInputLength   = "relay.input_length"
	AttrControlCmd    = "control.command"
	AttrExitCode      = "exit.code"
	AttrExitSignal    = "exit.signal"
	AttrOutputBytes   = "output.bytes"
	AttrErrorMessage  = "error.message"
	AttrFinalStatus   = "session.status"
	AttrOutputLines   = "output.lines"
	AttrQuiescenceMs  = "timeout.quiescence_ms"
	AttrSignalForward = "signal.forwarded"
)

// Span names.
const (
	SpanSession = "supervisor.session"
	SpanRelay   = "relay.input"
	SpanControl = "control.stop"
)

// Event names for span events.
const (
	EventChildStarted     = "child.started"
	EventQuestionDetected = "question.detected"
	EventChildExited      = "child.exited"
	EventSignalReceived   = "signal.received"
	EventPanic            = "panic.recovered"
)
