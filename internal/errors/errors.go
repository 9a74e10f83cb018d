// Package errors defines the error taxonomy for image transfers.
// Every failure carries an ErrorCode so callers can classify it without string matching,
// while sentinel errors keep errors.Is() usable across wrapping.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a specific failure class of a transfer.
// Error codes are string-based for debuggability and natural log output.
type ErrorCode string

const (
	// CodeProcessFailed indicates an external program exited with a non-zero status.
	CodeProcessFailed ErrorCode = "PROCESS_FAILED"

	// CodeTunnel indicates the secure tunnel exited before it became ready.
	CodeTunnel ErrorCode = "TUNNEL_ERROR"

	// CodeUnsupportedTranslation indicates tag translation was requested against endpoints
	// that cannot negotiate.
	CodeUnsupportedTranslation ErrorCode = "UNSUPPORTED_TRANSLATION"

	// CodePrefixMismatch indicates a source tag does not carry the prefix requested for removal.
	CodePrefixMismatch ErrorCode = "PREFIX_MISMATCH"

	// CodeInvalidInput indicates the provided input is invalid or malformed.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeInvalidConfig indicates a configuration error prevents the operation.
	CodeInvalidConfig ErrorCode = "INVALID_CONFIGURATION"

	// CodeUnavailable indicates an endpoint or pool is not in a usable state.
	CodeUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// CodeInternal indicates an internal error occurred.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeUnknown indicates an unknown or unclassified error occurred.
	CodeUnknown ErrorCode = "UNKNOWN"
)

// Sentinel errors that can be checked with errors.Is().
var (
	// ErrProcessFailed matches every ProcessFailedError.
	ErrProcessFailed = errors.New("process failed")

	// ErrTunnel matches every TunnelError.
	ErrTunnel = errors.New("tunnel exited before becoming ready")

	// ErrUnsupportedTranslation is returned when tag translation is requested but either
	// endpoint lacks negotiation support.
	ErrUnsupportedTranslation = errors.New("tag translation requires negotiation support on both endpoints")

	// ErrPrefixMismatch matches every PrefixMismatchError.
	ErrPrefixMismatch = errors.New("tag does not start with the prefix to remove")

	// ErrPoolClosed is returned when a process is started in a pool that is shutting down.
	ErrPoolClosed = errors.New("worker pool is shutting down")

	// ErrNotReady is returned when a command is issued to a session that is not ready or already closed.
	ErrNotReady = errors.New("session is not ready")

	// ErrFanoutSource is returned when a fan-out session is used as a transfer source.
	ErrFanoutSource = errors.New("fan-out session cannot be used as a source")

	// ErrInvalidAddress is returned when an endpoint address cannot be parsed.
	ErrInvalidAddress = errors.New("invalid endpoint address")
)

// Error is a coded error with context about the operation that failed.
type Error struct {
	// Code classifies the failure.
	Code ErrorCode

	// Op is the operation that failed (e.g., "export", "import", "open").
	Op string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error chaining support.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error for the given operation.
func New(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Newf creates a coded error with a formatted message.
func Newf(code ErrorCode, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// ProcessFailedError reports a child process that exited with a non-zero status.
type ProcessFailedError struct {
	ExitCode int
	Command  []string
}

func (e *ProcessFailedError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", strings.Join(e.Command, " "), e.ExitCode)
}

// Is reports whether target is ErrProcessFailed.
func (e *ProcessFailedError) Is(target error) bool {
	return target == ErrProcessFailed
}

// TunnelError reports a tunnel process that exited before its control channel appeared.
type TunnelError struct {
	Host string
	Err  error
}

func (e *TunnelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("tunnel to %s: %v", e.Host, ErrTunnel)
	}
	return fmt.Sprintf("tunnel to %s: %v: %v", e.Host, ErrTunnel, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrTunnel.
func (e *TunnelError) Is(target error) bool {
	return target == ErrTunnel
}

// PrefixMismatchError reports a tag that lacks the prefix requested for removal.
type PrefixMismatchError struct {
	Tag    string
	Prefix string
}

func (e *PrefixMismatchError) Error() string {
	return fmt.Sprintf("tag %q does not start with %q", e.Tag, e.Prefix)
}

// Is reports whether target is ErrPrefixMismatch.
func (e *PrefixMismatchError) Is(target error) bool {
	return target == ErrPrefixMismatch
}

// CodeOf classifies err. Coded errors report their own code; known error types and
// sentinels are mapped; anything else is CodeUnknown.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}

	switch {
	case errors.Is(err, ErrTunnel):
		return CodeTunnel
	case errors.Is(err, ErrProcessFailed):
		return CodeProcessFailed
	case errors.Is(err, ErrUnsupportedTranslation):
		return CodeUnsupportedTranslation
	case errors.Is(err, ErrPrefixMismatch):
		return CodePrefixMismatch
	case errors.Is(err, ErrInvalidAddress):
		return CodeInvalidInput
	case errors.Is(err, ErrPoolClosed), errors.Is(err, ErrNotReady):
		return CodeUnavailable
	case errors.Is(err, ErrFanoutSource):
		return CodeInvalidInput
	}
	return CodeUnknown
}

// ExitCode maps an error code to a process exit status for the command line.
func ExitCode(code ErrorCode) int {
	switch code {
	case "":
		return 0
	case CodeInvalidInput, CodeInvalidConfig:
		return 2
	case CodeProcessFailed:
		return 3
	case CodeTunnel, CodeUnavailable:
		return 4
	case CodeUnsupportedTranslation, CodePrefixMismatch:
		return 5
	default:
		return 1
	}
}
