// Package taxonomy defines the uniform error classification that every
// fetcher, executor, and evaluator in spaces routes failures through.
package taxonomy

import "fmt"

// Kind is one of the error categories spec.md §7 names.
type Kind string

const (
	KindUserAbort           Kind = "UserAbort"
	KindScriptError         Kind = "ScriptError"
	KindUnknownTarget       Kind = "UnknownTarget"
	KindCycleDetected       Kind = "CycleDetected"
	KindStoreBusy           Kind = "StoreBusy"
	KindChecksumMismatch    Kind = "ChecksumMismatch"
	KindNetworkFailure      Kind = "NetworkFailure"
	KindUnsupportedPlatform Kind = "UnsupportedPlatform"
	KindProcessFailure      Kind = "ProcessFailure"
	KindVersionTooOld       Kind = "VersionTooOld"
	KindIoError             Kind = "IoError"
	KindDuplicateRule       Kind = "DuplicateRule"
)

// exitCodes maps each kind to the process exit code spec.md §6 specifies.
// Anything not UserAbort or a usage error is a generic failure (1).
var exitCodes = map[Kind]int{
	KindUserAbort: 3,
}

// Error is the single error type used across the engine for classified
// failures. Unclassified errors (plain os/exec errors, etc.) are wrapped
// into one of these kinds at the boundary where they're first observed.
type Error struct {
	Kind    Kind
	Message string
	Err     error // optional wrapped cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Exit returns the process exit code for this error, per spec.md §6:
// 0 success, 1 generic failure, 2 usage error, 3 user abort.
func (e *Error) Exit() int {
	if code, ok := exitCodes[e.Kind]; ok {
		return code
	}
	return 1
}

// New creates a classified error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a classified error wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var te *Error
	if e, ok := err.(*Error); ok {
		te = e
	} else {
		return false
	}
	return te.Kind == kind
}
