//go:build debug

// Package check provides construction-time invariant assertions for the
// sandbox managers (non-nil collaborators, valid wiring). Compiled out of
// release builds: operational failures use error returns, never panics.
package check

import "fmt"

// Assert panics with msg when cond is false.
func Assert(cond bool, msg string) {
	if !cond {
		panic("assertion failed: " + msg)
	}
}

// Assertf is Assert with a formatted message.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("assertion failed: " + fmt.Sprintf(format, args...))
	}
}
