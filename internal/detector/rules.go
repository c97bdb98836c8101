package detector

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/zjrosen/installrelay/internal/session"
)

// Scope selects which part of the output a rule is evaluated against.
type Scope string

const (
	// ScopeBuffer matches anywhere in the text.
	ScopeBuffer Scope = "buffer"
	// ScopeLastLine matches only the last non-empty line.
	ScopeLastLine Scope = "last_line"
)

// RegexMatcher is a Matcher backed by a regular expression.
type RegexMatcher struct {
	name  string
	kind  session.QuestionKind
	re    *regexp.Regexp
	// exclude vetoes a match when it matches the same subject.
	exclude *regexp.Regexp
	group   int
	scope Scope
	// wholeLine reports the entire line containing the match as the text.
	wholeLine bool
}

// RegexRule describes a RegexMatcher.
type RegexRule struct {
	Name    string
	Kind    session.QuestionKind
	Pattern string
	// Exclude, when set, rejects any subject it matches.
	Exclude string
	// Group is the capture group used as the question text; 0 uses the
	// whole match.
	Group     int
	Scope     Scope
	WholeLine bool
}

// NewRegexMatcher compiles rule.
func NewRegexMatcher(rule RegexRule) (*RegexMatcher, error) {
	if rule.Name == "" {
		return nil, fmt.Errorf("rule name is required")
	}
	switch rule.Kind {
	case session.KindQuestion, session.KindChoice, session.KindYesNo, session.KindPrompt:
	default:
		return nil, fmt.Errorf("rule %s: unknown kind %q", rule.Name, rule.Kind)
	}

	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return nil, fmt.Errorf("rule %s: compiling pattern: %w", rule.Name, err)
	}
	var exclude *regexp.Regexp
	if rule.Exclude != "" {
		exclude, err = regexp.Compile(rule.Exclude)
		if err != nil {
			return nil, fmt.Errorf("rule %s: compiling exclude: %w", rule.Name, err)
		}
	}
	if rule.Group < 0 || rule.Group > re.NumSubexp() {
		return nil, fmt.Errorf("rule %s: group %d out of range (pattern has %d)", rule.Name, rule.Group, re.NumSubexp())
	}

	scope := rule.Scope
	if scope == "" {
		scope = ScopeBuffer
	}
	if scope != ScopeBuffer && scope != ScopeLastLine {
		return nil, fmt.Errorf("rule %s: unknown scope %q", rule.Name, scope)
	}

	return &RegexMatcher{
		name:      rule.Name,
		kind:      rule.Kind,
		re:        re,
		exclude:   exclude,
		group:     rule.Group,
		scope:     scope,
		wholeLine: rule.WholeLine,
	}, nil
}

func mustRegexMatcher(rule RegexRule) *RegexMatcher {
	m, err := NewRegexMatcher(rule)
	if err != nil {
		panic(err)
	}
	return m
}

// Name implements Matcher.
func (m *RegexMatcher) Name() string {
	return m.name
}

// Match implements Matcher.
func (m *RegexMatcher) Match(text string) (session.Question, bool) {
	subject := text
	if m.scope == ScopeLastLine {
		subject = lastNonEmptyLine(text)
	}

	loc := m.re.FindStringSubmatchIndex(subject)
	if loc == nil {
		return session.Question{}, false
	}
	if m.exclude != nil && m.exclude.MatchString(subject) {
		return session.Question{}, false
	}

	raw := strings.TrimSpace(subject[loc[0]:loc[1]])
	var extracted string
	switch {
	case m.wholeLine:
		extracted = lineAt(subject, loc[0])
		raw = strings.TrimSpace(extracted)
	case loc[2*m.group] >= 0:
		extracted = subject[loc[2*m.group]:loc[2*m.group+1]]
	}

	extracted = strings.TrimSpace(extracted)
	if extracted == "" {
		extracted = raw
	}
	return session.Question{Kind: m.kind, Text: extracted, Raw: raw}, true
}

// Built-in rule names.
const (
	RuleQuestion         = "question"
	RuleTrailingQuestion = "trailing_question"
	RuleChoice           = "choice"
	RuleYesNo            = "yesno"
	RulePrompt           = "prompt"
)

// yesNoMarker matches a (y/n) or [Y/n] style marker.
const yesNoMarker = `[(\[][ \t]*[YyNn][ \t]*/[ \t]*[YyNn][ \t]*[)\]]`

// DefaultMatchers returns the built-in rules in priority order:
//
//  1. question: the last line is an inquirer-style "? Something:" prompt,
//     or contains a question mark and ends in a colon without a (Y/N) marker
//  2. choice:   a line with "?" followed later by numbered options
//  3. yesno:    a line with "?" followed by a (Y/N) marker
//  4. prompt:   known request keywords anywhere
func DefaultMatchers() []Matcher {
	return []Matcher{
		mustRegexMatcher(RegexRule{
			Name:    RuleQuestion,
			Kind:    session.KindQuestion,
			Pattern: `^\?\s+(.+?)\s*[:：]$`,
			Group:   1,
			Scope:   ScopeLastLine,
		}),
		mustRegexMatcher(RegexRule{
			Name:    RuleTrailingQuestion,
			Kind:    session.KindQuestion,
			Pattern: `^(.*[?？].*?)\s*[:：]$`,
			Exclude: yesNoMarker,
			Group:   1,
			Scope:   ScopeLastLine,
		}),
		mustRegexMatcher(RegexRule{
			Name:    RuleChoice,
			Kind:    session.KindChoice,
			Pattern: `(?m)^[ \t]*([^\n]*[?？])[^\n]*\n(?:[^\n]*\n)*?[ \t]*(?:\d+[).]|\(\d+\)|\[\d+\])[ \t]*\S`,
			Group:   1,
		}),
		mustRegexMatcher(RegexRule{
			Name:    RuleYesNo,
			Kind:    session.KindYesNo,
			Pattern: `([^\n?？]*[?？])[ \t]*` + yesNoMarker,
			Group:   1,
		}),
		mustRegexMatcher(RegexRule{
			Name:      RulePrompt,
			Kind:      session.KindPrompt,
			Pattern:   `(?i)(如何处理|请选择|请输入|please (?:select|choose|enter)|select an option)`,
			WholeLine: true,
		}),
	}
}

// defaultSignals are lowercase substrings that mark output as possibly
// interactive even without a question mark.
var defaultSignals = []string{
	"请",
	"如何处理",
	"please select",
	"please choose",
	"please enter",
	"select an option",
}
