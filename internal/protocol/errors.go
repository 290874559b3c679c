package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the engine.
type ErrorKind string

const (
	KindProtocolMalformed ErrorKind = "protocol_malformed"
	KindApprovalDenied    ErrorKind = "approval_denied"
	KindExecutionFailed   ErrorKind = "execution_failed"
	KindTransportFailed   ErrorKind = "transport_failed"
	KindGovernorAborted   ErrorKind = "governor_aborted"
	KindStoreCorrupt      ErrorKind = "store_corrupt"
)

// Sentinels matched by errors.Is for each kind.
var (
	ErrProtocolMalformed = errors.New("protocol malformed")
	ErrApprovalDenied    = errors.New("approval denied")
	ErrExecutionFailed   = errors.New("execution failed")
	ErrTransportFailed   = errors.New("transport failed")
	ErrGovernorAborted   = errors.New("governor aborted")
	ErrStoreCorrupt      = errors.New("store corrupt")
)

var sentinels = map[ErrorKind]error{
	KindProtocolMalformed: ErrProtocolMalformed,
	KindApprovalDenied:    ErrApprovalDenied,
	KindExecutionFailed:   ErrExecutionFailed,
	KindTransportFailed:   ErrTransportFailed,
	KindGovernorAborted:   ErrGovernorAborted,
	KindStoreCorrupt:      ErrStoreCorrupt,
}

// Fatal reports whether the kind ends the current invocation.
func (k ErrorKind) Fatal() bool {
	return k == KindGovernorAborted || k == KindStoreCorrupt
}

// Error carries a kind, an optional machine-readable reason (for example
// "timeout" or "outside_workspace") and the underlying cause.
type Error struct {
	Kind   ErrorKind
	Reason string
	Msg    string
	Err    error
}

// NewError builds a typed error.
func NewError(kind ErrorKind, reason, msg string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Msg: msg, Err: err}
}

// Errorf builds a typed error with a formatted message and no cause.
func Errorf(kind ErrorKind, reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// KindOf extracts the kind of err, or "" when err is untyped.
func KindOf(err error) ErrorKind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}

// ReasonOf extracts the reason of err, or "".
func ReasonOf(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Reason
	}
	return ""
}

// MessageOf is the text of err without the kind prefix, as shown to the
// model and the user.
func MessageOf(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		switch {
		case typed.Msg != "" && typed.Err != nil:
			return typed.Msg + ": " + typed.Err.Error()
		case typed.Msg != "":
			return typed.Msg
		case typed.Err != nil:
			return typed.Err.Error()
		}
	}
	return err.Error()
}
