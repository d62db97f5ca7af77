// Package match selects artifacts by doublestar glob patterns relative to a
// folder root.
package match

import (
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher evaluates include and exclude patterns against artifact keys.
//
// A key matches when it matches at least one include, no exclude, and is
// not hidden. Hidden keys (a segment starting with '.') are in-flight
// temporaries of atomic writes and never count as outputs.
type Matcher struct {
	includes []string
	excludes []string
	prefix   string
}

// Config configures a Matcher.
type Config struct {
	Includes []string
	Excludes []string
}

var (
	// ErrNoIncludes is returned when no include patterns are provided.
	ErrNoIncludes = errors.New("at least one include pattern is required")

	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New compiles cfg.
func New(cfg Config) (*Matcher, error) {
	if len(cfg.Includes) == 0 {
		return nil, ErrNoIncludes
	}

	m := &Matcher{}
	for _, raw := range cfg.Includes {
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		m.includes = append(m.includes, p)
	}
	for _, raw := range cfg.Excludes {
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		m.excludes = append(m.excludes, p)
	}
	m.prefix = CommonPrefix(m.includes)
	return m, nil
}

// MustNew is New for patterns known at compile time.
func MustNew(includes ...string) *Matcher {
	m, err := New(Config{Includes: includes})
	if err != nil {
		panic(err)
	}
	return m
}

func compile(raw string) (string, error) {
	p := strings.TrimPrefix(strings.TrimSpace(raw), "/")
	if p == "" || !doublestar.ValidatePattern(p) {
		return "", &PatternError{Pattern: raw, Err: ErrInvalidPattern}
	}
	return p, nil
}

// Match reports whether key is selected.
func (m *Matcher) Match(key string) bool {
	if IsHidden(key) {
		return false
	}
	matched := false
	for _, inc := range m.includes {
		if ok, _ := doublestar.Match(inc, key); ok {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, exc := range m.excludes {
		if ok, _ := doublestar.Match(exc, key); ok {
			return false
		}
	}
	return true
}

// Prefix is the longest listing prefix shared by every include pattern.
func (m *Matcher) Prefix() string { return m.prefix }

// Patterns returns the compiled include patterns.
func (m *Matcher) Patterns() []string {
	out := make([]string, len(m.includes))
	copy(out, m.includes)
	return out
}

// IsHidden reports whether any segment of key starts with '.'.
func IsHidden(key string) bool {
	for _, seg := range strings.Split(key, "/") {
		if seg != "" && strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
