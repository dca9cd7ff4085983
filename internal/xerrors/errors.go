// Package xerrors provides the structured error type used throughout the
// substrate, along with the process-abort path for the errors that the
// propagation policy treats as fatal.
package xerrors

import (
	"errors"
	"fmt"
	"syscall"
)

// Code is a high-level error category, mirroring the taxonomy of fatal vs.
// transparently-handled conditions.
type Code string

const (
	CodeProviderFatal    Code = "fatal provider error"
	CodeResourceExhaust  Code = "resource exhaustion"
	CodeCQTruncation     Code = "completion queue truncation"
	CodeLivenessFailure  Code = "liveness failure"
	CodeInvalidArgument  Code = "invalid argument"
	CodeUnsupportedAMO   Code = "unsupported atomic operation"
	CodeNonAddressable   Code = "target not rma-addressable"
	CodeArgumentTooLarge Code = "argument exceeds am inline limit"
)

// Error is the structured error returned (or passed to Fatal) by the core.
// Apart from a liveness failure, which the AM engine passes to Fatal, errors
// with the fatal codes above are returned up through the public API like
// any other error; the type is also useful for logging and for tests that
// assert on the error shape.
type Error struct {
	Op     string
	NodeID int
	Peer   int
	Code   Code
	Errno  syscall.Errno
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Peer >= 0 {
		parts = append(parts, fmt.Sprintf("peer=%d", e.Peer))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("pgaofi: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("pgaofi: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// New creates a structured error with no peer context (Peer defaults to -1
// so Error() omits it).
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Peer: -1, Code: code, Msg: msg}
}

// NewPeer creates a structured error scoped to one remote peer.
func NewPeer(op string, peer int, code Code, msg string) *Error {
	return &Error{Op: op, Peer: peer, Code: code, Msg: msg}
}

// Wrap wraps an existing error, mapping syscall.Errno values onto the
// provider-fatal category — the core's issue sites wrap unexpected errno
// values with it and return the result to their caller.
func Wrap(op string, peer int, inner error) *Error {
	if inner == nil {
		return nil
	}
	if pe, ok := inner.(*Error); ok {
		return &Error{Op: op, Peer: peer, Code: pe.Code, Errno: pe.Errno, Msg: pe.Msg, Inner: pe.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Peer: peer, Code: CodeProviderFatal, Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Peer: peer, Code: CodeProviderFatal, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// AbortFunc is called by Fatal. Tests override it to avoid exiting the test
// binary; production wiring leaves it at the default, which matches the
// substrate's documented "handle transparently or abort" policy.
var AbortFunc func(err error) = defaultAbort

func defaultAbort(err error) {
	panic(err)
}

// Fatal logs err at error level via the provided logger and invokes
// AbortFunc. Its only caller in the core is the AM engine's liveness loop
// (CodeLivenessFailure); CodeProviderFatal, CodeResourceExhaust and
// CodeCQTruncation errors are returned to the caller, not routed here.
func Fatal(log interface{ Errorf(string, ...any) }, err error) {
	if log != nil {
		log.Errorf("fatal: %v", err)
	}
	AbortFunc(err)
}

// EMFILE is special-cased per the error handling design: it gets an
// actionable message about open-file limits vs. concurrency × nodes instead
// of a bare errno dump.
func EMFileHint(concurrency, nodes int) string {
	return fmt.Sprintf(
		"too many open files (EMFILE): requested concurrency=%d across nodes=%d exceeds RLIMIT_NOFILE; raise the process file-descriptor limit or reduce COMM_CONCURRENCY",
		concurrency, nodes,
	)
}
