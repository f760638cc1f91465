package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type BenchError struct {
	Code    string
	Message string
	Cause   error
	Config  string
}

func (e *BenchError) Error() string {
	prefix := e.Code
	if e.Config != "" {
		prefix = fmt.Sprintf("%s [%s]", e.Code, e.Config)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *BenchError) Unwrap() error { return e.Cause }

const (
	ErrCodeCommandStart   = "COMMAND_START_FAILED"
	ErrCodeCommandExit    = "COMMAND_EXIT_STATUS"
	ErrCodeCommandTimeout = "COMMAND_TIMEOUT"
	ErrCodeUnparseable    = "OUTPUT_UNPARSEABLE"
	ErrCodeTunnelNotReady = "TUNNEL_NOT_READY"
	ErrCodeLookupFailed   = "LOOKUP_FAILED"
	ErrCodeInvalidConfig  = "INVALID_CONFIG"
	ErrCodeCancelled      = "CANCELLED"
)

func ErrCommandStart(command string, cause error) *BenchError {
	return &BenchError{
		Code:    ErrCodeCommandStart,
		Message: fmt.Sprintf("%s: failed to start", command),
		Cause:   cause,
	}
}

// ErrCommandExit reports a process that ran but exited non-zero. stderr is
// the trimmed tail of the child's standard error, possibly empty.
func ErrCommandExit(command string, exitCode int, stderr string) *BenchError {
	msg := fmt.Sprintf("%s: exit status %d", command, exitCode)
	if stderr != "" {
		msg += ": " + stderr
	}
	return &BenchError{
		Code:    ErrCodeCommandExit,
		Message: msg,
	}
}

// ErrCommandTimeout reports a process killed because it outlived the
// per-command timeout. It carries no context error, so it never reads as
// a cancelled run.
func ErrCommandTimeout(command string, timeout time.Duration) *BenchError {
	return &BenchError{
		Code:    ErrCodeCommandTimeout,
		Message: fmt.Sprintf("%s: killed after %s", command, timeout),
	}
}

func ErrUnparseable(msg string, cause error) *BenchError {
	return &BenchError{
		Code:    ErrCodeUnparseable,
		Message: msg,
		Cause:   cause,
	}
}

func ErrTunnelNotReady(config string, cause error) *BenchError {
	return &BenchError{
		Code:    ErrCodeTunnelNotReady,
		Message: "tunnel did not become ready",
		Cause:   cause,
		Config:  config,
	}
}

func ErrLookupFailed(msg string, cause error) *BenchError {
	return &BenchError{
		Code:    ErrCodeLookupFailed,
		Message: msg,
		Cause:   cause,
	}
}

func ErrInvalidConfig(msg string, cause error) *BenchError {
	return &BenchError{
		Code:    ErrCodeInvalidConfig,
		Message: msg,
		Cause:   cause,
	}
}

func ErrCancelled(config string, cause error) *BenchError {
	return &BenchError{
		Code:    ErrCodeCancelled,
		Message: "benchmark cancelled",
		Cause:   cause,
		Config:  config,
	}
}

// HasCode reports whether any BenchError in err's chain carries code.
func HasCode(err error, code string) bool {
	var be *BenchError
	for err != nil {
		if !errors.As(err, &be) {
			return false
		}
		if be.Code == code {
			return true
		}
		err = be.Cause
	}
	return false
}

func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
