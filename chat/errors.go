package chat

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeUnauthenticated   Code = "UNAUTHENTICATED"
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeRecipientNotFound Code = "RECIPIENT_NOT_FOUND"
	CodeMessageTooLong    Code = "MESSAGE_TOO_LONG"
	CodeNoIDsProvided     Code = "NO_IDS_PROVIDED"
	CodeLimitExceeded     Code = "LIMIT_EXCEEDED"
	CodeHandleTaken       Code = "HANDLE_TAKEN"
	CodeStorageConflict   Code = "STORAGE_CONFLICT" // transient, safe to retry
	CodeInternal          Code = "INTERNAL"
)

// Error is the terminal result of a failed chat operation. Validation errors
// carry the violated rule verbatim; storage errors are wrapped in Err.
type Error struct {
	Code   Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("chat: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("chat: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code Code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

func wrapError(code Code, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf extracts the taxonomy code from err, or CodeInternal for errors
// raised outside the taxonomy.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
