package core

import "errors"

// Reason identifies a runtime error category. The set is closed: callers can
// switch on it exhaustively.
type Reason string

const (
	ReasonNotFound            Reason = "not_found"
	ReasonInvalidTransition   Reason = "invalid_transition"
	ReasonGuardDenied         Reason = "guard_denied"
	ReasonHookFailed          Reason = "hook_failed"
	ReasonKindUnknown         Reason = "kind_unknown"
	ReasonValidationError     Reason = "validation_error"
	ReasonCancelled           Reason = "cancelled"
	ReasonTimeout             Reason = "timeout"
	ReasonMaxRetriesExceeded  Reason = "max_retries_exceeded"
	ReasonFunctionNotExported Reason = "function_not_exported"
	ReasonRaised              Reason = "raised"
	ReasonStoreError          Reason = "store_error"
)

// RuntimeError carries a closed reason code plus human context. It wraps the
// underlying cause when there is one.
type RuntimeError struct {
	Reason  Reason
	Message string
	Cause   error
}

func (e *RuntimeError) Error() string {
	if e.Message != "" && e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return string(e.Reason) + ": " + e.Cause.Error()
	}
	return string(e.Reason)
}

func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

// Errf builds a RuntimeError with a message.
func Errf(reason Reason, message string) *RuntimeError {
	return &RuntimeError{Reason: reason, Message: message}
}

// Wrap builds a RuntimeError around a cause.
func Wrap(reason Reason, message string, cause error) *RuntimeError {
	return &RuntimeError{Reason: reason, Message: message, Cause: cause}
}

// ReasonOf extracts the reason code from an error, defaulting to raised for
// errors produced outside the runtime.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonRaised
}
