package capture

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is one named capture predicate.
type Pattern struct {
	Name  string `toml:"name"`
	Regex string `toml:"regex"`
}

// DefaultPatterns returns the built-in predicates in evaluation order.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "remember", Regex: `(?i)\b(?:remember|note) (?:that|to)\b`},
		{Name: "preference", Regex: `(?i)\bi (?:really |strongly )?(?:prefer|like|love|hate|dislike|want)\b`},
		{Name: "team_usage", Regex: `(?i)\bwe(?:'re| are)? (?:use|using|run|deploy|prefer|rely on)\b`},
		{Name: "decision", Regex: `(?i)\b(?:we|i) (?:decided|chose|agreed|settled) (?:to|on)\b`},
		{Name: "rule", Regex: `(?i)\b(?:always|never) (?:use|do|run|write|commit|push|deploy)\b`},
		{Name: "identity", Regex: `(?i)\bmy (?:name|email|role|timezone|team) is\b`},
		{Name: "convention", Regex: `(?i)\bour (?:convention|standard|policy|stack) is\b`},
	}
}

type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

// Heuristic matches text against an ordered set of patterns.
type Heuristic struct {
	patterns []compiledPattern
}

// NewHeuristic compiles patterns. An empty list selects DefaultPatterns.
func NewHeuristic(patterns []Pattern) (*Heuristic, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}

	compiled := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidRegex, p.Name, err)
		}
		compiled = append(compiled, compiledPattern{name: p.Name, re: re})
	}
	return &Heuristic{patterns: compiled}, nil
}

// Match reports whether text should be captured and which pattern fired
// first.
func (h *Heuristic) Match(text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	for _, p := range h.patterns {
		if p.re.MatchString(text) {
			return p.name, true
		}
	}
	return "", false
}

// Names returns the pattern names in evaluation order.
func (h *Heuristic) Names() []string {
	names := make([]string, len(h.patterns))
	for i, p := range h.patterns {
		names[i] = p.name
	}
	return names
}
