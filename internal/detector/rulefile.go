package detector

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/installrelay/internal/log"
	"github.com/zjrosen/installrelay/internal/session"
)

// RuleFile is the YAML document accepted by LoadRules.
//
//	rules:
//	  - name: overwrite
//	    kind: yesno
//	    pattern: '(Overwrite \S+\?)\s*\[y/N\]'
//	    group: 1
type RuleFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// RuleSpec is one rule in a RuleFile.
type RuleSpec struct {
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"`
	Pattern   string `yaml:"pattern"`
	Exclude   string `yaml:"exclude"`
	Group     int    `yaml:"group"`
	Scope     string `yaml:"scope"`
	WholeLine bool   `yaml:"whole_line"`
}

// ParseRules compiles the rules in a YAML document.
func ParseRules(data []byte) ([]Matcher, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}

	matchers := make([]Matcher, 0, len(file.Rules))
	seen := make(map[string]bool, len(file.Rules))
	for i, def := range file.Rules {
		if seen[def.Name] {
			return nil, fmt.Errorf("rule %d: duplicate name %q", i, def.Name)
		}
		seen[def.Name] = true

		m, err := NewRegexMatcher(RegexRule{
			Name:      def.Name,
			Kind:      session.QuestionKind(def.Kind),
			Pattern:   def.Pattern,
			Exclude:   def.Exclude,
			Group:     def.Group,
			Scope:     Scope(def.Scope),
			WholeLine: def.WholeLine,
		})
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		matchers = append(matchers, m)
	}
	return matchers, nil
}

// LoadRules reads and compiles a rule file.
func LoadRules(path string) ([]Matcher, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from user config
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	matchers, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Info(log.CatDetector, "loaded detector rules", "path", path, "count", len(matchers))
	return matchers, nil
}

// FromConfig returns the default detector, extended with the rules in
// rulesFile when it is set.
func FromConfig(rulesFile string) (*Detector, error) {
	if rulesFile == "" {
		return New(), nil
	}
	extra, err := LoadRules(rulesFile)
	if err != nil {
		return nil, err
	}
	return New(extra...), nil
}
