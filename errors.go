package tug

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error represents a structured tug error with context and errno mapping
type Error struct {
	Op    string        // Operation that failed (e.g., "spawn", "send-blocking")
	Cmd   string        // MI command involved ("" if not applicable)
	Code  ErrorCode     // High-level error category
	Errno syscall.Errno // Kernel errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Cmd != "" {
		parts = append(parts, fmt.Sprintf("cmd=%q", e.Cmd))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("tug: %s (%s)", msg, strings.Join(parts, " "))
	}

	return fmt.Sprintf("tug: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support by error code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories.
//
// Spawn and Transport failures are fatal to the session. Protocol and
// Command failures are local: the offending line or command is dropped
// and the session keeps going. Do not conflate the two families.
type ErrorCode string

const (
	ErrCodeSpawn      ErrorCode = "failed to spawn debugger"
	ErrCodeTransport  ErrorCode = "debugger pipe failure"
	ErrCodeProtocol   ErrorCode = "unparsable record line"
	ErrCodeCommand    ErrorCode = "debugger rejected command"
	ErrCodeTimeout    ErrorCode = "command timeout"
	ErrCodeNotRunning ErrorCode = "no debugger process"
	ErrCodeBusy       ErrorCode = "debuggee running without async support"
	ErrCodeBadTarget  ErrorCode = "target not executable"
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Code: code,
		Msg:  msg,
	}
}

// NewCommandError creates an error tied to a specific MI command
func NewCommandError(op, cmd string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Cmd:  cmd,
		Code: code,
		Msg:  msg,
	}
}

// WrapError wraps an existing error with tug context
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already structured, just update the operation
	if te, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			Cmd:   te.Cmd,
			Code:  te.Code,
			Errno: te.Errno,
			Msg:   te.Msg,
			Inner: te.Inner,
		}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno, code),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Code:  code,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps syscall errno to tug error codes. Errnos with no
// specific meaning here keep the caller's code.
func mapErrnoToCode(errno syscall.Errno, fallback ErrorCode) ErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.ENOEXEC:
		return ErrCodeBadTarget
	case syscall.EPERM, syscall.EACCES:
		return ErrCodeBadTarget
	case syscall.EPIPE, syscall.EIO, syscall.EBADF, syscall.ECONNRESET:
		return ErrCodeTransport
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return fallback
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Errno == errno
	}
	return false
}
