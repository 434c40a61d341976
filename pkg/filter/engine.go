package filter

import (
	"fmt"
	"regexp"
	"sync/atomic"
)

// ValidationError is returned when a filter pattern does not compile
type ValidationError struct {
	Pattern string
	Err     error
}

func (e *ValidationError) Error() string {
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// pattern is immutable once stored
type pattern struct {
	source string
	re     *regexp.Regexp
}

// Engine holds at most one validated URL filter.
// The zero value has no filter and matches every URL.
type Engine struct {
	current atomic.Pointer[pattern]
}

// NewEngine creates an engine with no filter set
func NewEngine() *Engine {
	return &Engine{}
}

// SetFilter compiles expr and installs it. On error the previous filter stays in place.
func (e *Engine) SetFilter(expr string) (string, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return "", &ValidationError{Pattern: expr, Err: err}
	}

	e.current.Store(&pattern{source: expr, re: re})
	return fmt.Sprintf("Filter updated to: %s", expr), nil
}

// Matches reports whether url contains a match of the current filter.
// With no filter set every URL matches.
func (e *Engine) Matches(url string) bool {
	p := e.current.Load()
	if p == nil {
		return true
	}
	return p.re.MatchString(url)
}

// Pattern returns the source of the current filter and whether one is set
func (e *Engine) Pattern() (string, bool) {
	p := e.current.Load()
	if p == nil {
		return "", false
	}
	return p.source, true
}
