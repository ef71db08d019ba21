// Package reprl implements the native core of a coverage-guided fuzzing
// harness: a REPRL engine supervisor plus a coverage accounting engine.
package reprl

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured reprl error with context and errno mapping.
type Error struct {
	Op    string    // operation that failed (e.g. "spawn_child", "execute_script")
	Code  ErrorCode // high-level error category
	Errno syscall.Errno // kernel errno (0 if not applicable)
	Msg   string    // human-readable message
	Inner error     // wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		if e.Errno != 0 {
			return fmt.Sprintf("reprl: %s: %s (errno=%d)", e.Op, msg, e.Errno)
		}
		return fmt.Sprintf("reprl: %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("reprl: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support keyed on error category.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents the error kinds named in the error handling design.
type ErrorCode string

const (
	// ResourceExhausted: memfd/mmap/shm allocations fail, or num_edges > MaxEdges.
	ResourceExhausted ErrorCode = "resource exhausted"
	// ChildSpawnFailed: fork/exec or HELO handshake failure.
	ChildSpawnFailed ErrorCode = "child spawn failed"
	// ScriptTooLarge: script exceeds the data channel capacity.
	ScriptTooLarge ErrorCode = "script too large"
	// ReprlFailure: pipe write/read, poll, or waitpid anomaly.
	ReprlFailure ErrorCode = "reprl failure"
	// ChildDiedBetweenRuns: the pre-execute write discovered the child had already exited.
	ChildDiedBetweenRuns ErrorCode = "child died between runs"
	// IncompatibleMap: coverage file size mismatch on load.
	IncompatibleMap ErrorCode = "incompatible coverage map"
	// UnsupportedSymbol: delimiter scanner invoked with a symbol it can't reason about.
	UnsupportedSymbol ErrorCode = "unsupported symbol"
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewErrnoError creates a new structured error carrying a kernel errno.
func NewErrnoError(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error()}
}

// WrapError wraps an existing error with reprl context under code. An
// inner *Error keeps its own code; an inner syscall.Errno is recorded
// in Errno, but the code is still the one passed in.
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	if re, ok := inner.(*Error); ok {
		return &Error{Op: op, Code: re.Code, Errno: re.Errno, Msg: re.Msg, Inner: re.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}
