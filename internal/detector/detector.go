// Package detector decides whether captured installer output ends in a prompt
// that is waiting for an answer.
//
// Detection is an ordered list of matchers. Matchers are not mutually
// exclusive; the first one that matches wins, so the order is part of the
// contract.
package detector

import (
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/zjrosen/installrelay/internal/log"
	"github.com/zjrosen/installrelay/internal/session"
)

// Matcher inspects a block of output and optionally reports a question.
// Implementations must be pure: the same input always yields the same result.
type Matcher interface {
	Name() string
	Match(text string) (session.Question, bool)
}

// Result is a successful detection.
type Result struct {
	Question session.Question
	Rule     string
}

// Detector runs matchers in priority order.
type Detector struct {
	matchers []Matcher
	signals  []string
}

// New returns a detector with the built-in rules followed by extra.
func New(extra ...Matcher) *Detector {
	matchers := DefaultMatchers()
	matchers = append(matchers, extra...)
	return &Detector{
		matchers: matchers,
		signals:  defaultSignals,
	}
}

// NewWithMatchers returns a detector using exactly the given matchers.
func NewWithMatchers(matchers ...Matcher) *Detector {
	return &Detector{matchers: matchers, signals: defaultSignals}
}

// Matchers returns the matchers in evaluation order.
func (d *Detector) Matchers() []Matcher {
	out := make([]Matcher, len(d.matchers))
	copy(out, d.matchers)
	return out
}

// Detect returns the first match for text. Terminal escape sequences are
// stripped before matching.
func (d *Detector) Detect(text string) (Result, bool) {
	clean := Normalize(text)
	if strings.TrimSpace(clean) == "" {
		return Result{}, false
	}

	for _, m := range d.matchers {
		q, ok := m.Match(clean)
		if !ok {
			continue
		}
		log.Debug(log.CatDetector, "question detected", "rule", m.Name(), "kind", q.Kind, "text", q.Text)
		return Result{Question: q, Rule: m.Name()}, true
	}
	return Result{}, false
}

// HasQuestionSignal reports whether text looks like it might contain a
// question at all. It gates the timeout re-evaluation.
func (d *Detector) HasQuestionSignal(text string) bool {
	clean := Normalize(text)
	if strings.ContainsAny(clean, "?？") {
		return true
	}
	lower := strings.ToLower(clean)
	for _, s := range d.signals {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Normalize strips ANSI escapes and carriage-return redraws so matchers see
// the text a terminal would show.
func Normalize(text string) string {
	text = ansi.Strip(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")

	if !strings.Contains(text, "\r") {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		// A bare carriage return rewinds the line; keep the last redraw.
		if idx := strings.LastIndex(strings.TrimRight(line, "\r"), "\r"); idx >= 0 {
			line = line[idx+1:]
		}
		lines[i] = strings.TrimRight(line, "\r")
	}
	return strings.Join(lines, "\n")
}

// lastNonEmptyLine returns the last line of text that is not blank, trimmed.
func lastNonEmptyLine(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// lineAt returns the full line of text containing byte offset pos.
func lineAt(text string, pos int) string {
	start := strings.LastIndexByte(text[:pos], '\n') + 1
	end := strings.IndexByte(text[pos:], '\n')
	if end < 0 {
		return text[start:]
	}
	return text[start : pos+end]
}
