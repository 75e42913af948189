// Package apperror defines the typed error handed to the error reporter and
// the default JSON reporter that renders it to the client.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
)

// Error is a client-facing error with a message and an HTTP status code.
// Operational errors are expected failures (bad input, unknown route) whose
// message is safe to show to clients.
type Error struct {
	Message       string
	StatusCode    int
	Status        string
	IsOperational bool

	cause error
	pcs   []uintptr
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.cause }

// StackPCs lets the logger render where the error was created.
func (e *Error) StackPCs() []uintptr { return e.pcs }

// New creates an operational error. Status is "fail" for 4xx codes and
// "error" for everything else.
func New(msg string, code int) *Error {
	return &Error{
		Message:       msg,
		StatusCode:    code,
		Status:        statusFor(code),
		IsOperational: true,
		pcs:           callers(),
	}
}

// Newf is New with a format string.
func Newf(code int, format string, args ...any) *Error {
	e := New(fmt.Sprintf(format, args...), code)
	e.pcs = callers()
	return e
}

// Wrap creates an operational error that keeps err as its cause.
func Wrap(err error, msg string, code int) *Error {
	e := New(msg, code)
	e.cause = err
	e.pcs = callers()
	return e
}

// Internal converts an unexpected error into a non-operational 500. Its
// message is never shown to clients outside development mode.
func Internal(err error) *Error {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &Error{
		Message:    msg,
		StatusCode: http.StatusInternalServerError,
		Status:     statusFor(http.StatusInternalServerError),
		cause:      err,
		pcs:        callers(),
	}
}

// NotFound is produced for requests no route consumed. uri is the request
// URI as received (path plus query).
func NotFound(uri string) *Error {
	e := New(fmt.Sprintf("Cannot find %s on this server.", uri), http.StatusNotFound)
	e.pcs = callers()
	return e
}

// As returns the first *Error in err's chain, or converts err with Internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

func statusFor(code int) string {
	if code >= 400 && code < 500 {
		return "fail"
	}
	return "error"
}

func callers() []uintptr {
	const maxDepth = 32
	pcs := make([]uintptr, maxDepth)
	// skip runtime.Callers, callers and the constructor
	n := runtime.Callers(3, pcs)
	return pcs[:n]
}
