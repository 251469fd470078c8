// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-tpc.

package api

import (
	"errors"
	"fmt"
	"syscall"
)

// Common errors used across the library.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrIllegalState      = errors.New("illegal state")
	ErrReactorNotRunning = fmt.Errorf("%w: reactor is not running", ErrIllegalState)
	ErrSocketClosed      = fmt.Errorf("%w: socket is closed", ErrIllegalState)
	ErrQueueFull         = errors.New("queue is full")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrNotSupported      = errors.New("operation not supported")
	ErrBufferBorrowed    = errors.New("buffer is borrowed by an in-flight operation")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeIllegalState
	ErrCodeResourceExhausted
	ErrCodeNotSupported
	ErrCodeIO
	ErrCodeInternal
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// Unwrap exposes the sentinel the error was derived from.
func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
		Cause:   sentinelFor(code),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func sentinelFor(code ErrorCode) error {
	switch code {
	case ErrCodeInvalidArgument:
		return ErrInvalidArgument
	case ErrCodeIllegalState:
		return ErrIllegalState
	case ErrCodeResourceExhausted:
		return ErrResourceExhausted
	case ErrCodeNotSupported:
		return ErrNotSupported
	}
	return nil
}

// IOError is a transport failure reported by a kernel completion.
// Errno is the positive error number; completions carry it as -errno.
type IOError struct {
	Op    string
	Errno syscall.Errno
}

// NewIOError converts a negative completion result into an IOError.
func NewIOError(op string, res int32) *IOError {
	if res < 0 {
		res = -res
	}
	return &IOError{Op: op, Errno: syscall.Errno(res)}
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Errno.Error())
}

// Unwrap lets errors.Is match the errno.
func (e *IOError) Unwrap() error { return e.Errno }
