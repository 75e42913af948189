// Package xerrors records where errors were created or wrapped so the
// logger can point at the call site. Messages compose as "context: cause".
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// Stacked errors carry the full call stack of their origin.
type Stacked interface {
	StackPCs() []uintptr
}

// Located errors carry the single frame that wrapped them.
type Located interface {
	PC() uintptr
}

type stackError struct {
	cause error
	stack []uintptr
}

func (e *stackError) Error() string       { return e.cause.Error() }
func (e *stackError) Unwrap() error       { return e.cause }
func (e *stackError) StackPCs() []uintptr { return e.stack }

type wrapError struct {
	msg   string
	cause error
	pc    uintptr
}

func (e *wrapError) Error() string { return e.msg + ": " + e.cause.Error() }
func (e *wrapError) Unwrap() error { return e.cause }
func (e *wrapError) PC() uintptr   { return e.pc }

// callers skips runtime.Callers, callers itself and skip more frames.
func callers(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+2, pcs)
	return pcs[:n]
}

func caller(skip int) uintptr {
	var pc [1]uintptr
	if runtime.Callers(skip+2, pc[:]) == 0 {
		return 0
	}
	return pc[0]
}

func stacked(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &stackError{cause: err, stack: callers(skip + 1)}
}

// New returns an error with msg and the caller's stack.
func New(msg string) error { return stacked(errors.New(msg), 1) }

// Newf is New with fmt formatting; %w is honoured.
func Newf(format string, args ...any) error { return stacked(fmt.Errorf(format, args...), 1) }

// WithStack attaches the caller's stack to err. Nil stays nil.
func WithStack(err error) error { return stacked(err, 1) }

// EnsureTrace attaches a stack unless something in the chain already has one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var s Stacked
	if errors.As(err, &s) && len(s.StackPCs()) > 0 {
		return err
	}
	return stacked(err, 1)
}

// Wrap prefixes err with msg and records the caller. Nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapError{msg: msg, cause: err, pc: caller(1)}
}

// Wrapf is Wrap with fmt formatting for the prefix.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapError{msg: fmt.Sprintf(format, args...), cause: err, pc: caller(1)}
}
