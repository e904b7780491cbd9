package common

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindConfiguration     Kind = "ConfigurationError"
	KindRemote            Kind = "RemoteError"
	KindStoreWrite        Kind = "StoreWriteError"
	KindStoreRead         Kind = "StoreReadError"
	KindStoreSubscription Kind = "StoreSubscriptionError"
	KindValidation        Kind = "ValidationError"
	KindNotFound          Kind = "NotFound"
	KindBusy              Kind = "Busy"
	KindUnauthorized      Kind = "Unauthorized"
	KindInternal          Kind = "Internal"
)

// Error is the single error type crossing package boundaries. Status is the
// upstream HTTP status for remote errors, zero otherwise.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Description is the human readable text shown to users and embedded in
// error messages written to a conversation.
func (e *Error) Description() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	return msg
}

func NewError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func ConfigurationError(op, message string) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Message: message}
}

func RemoteError(op string, status int, message string, err error) *Error {
	return &Error{Kind: KindRemote, Op: op, Status: status, Message: message, Err: err}
}

func StoreWriteError(op string, err error) *Error {
	return &Error{Kind: KindStoreWrite, Op: op, Message: "store write failed", Err: err}
}

func StoreReadError(op string, err error) *Error {
	return &Error{Kind: KindStoreRead, Op: op, Message: "store read failed", Err: err}
}

func StoreSubscriptionError(op string, err error) *Error {
	return &Error{Kind: KindStoreSubscription, Op: op, Message: "live view interrupted", Err: err}
}

func ValidationError(op, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

func NotFoundError(op, message string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: message}
}

var ErrBusy = &Error{Kind: KindBusy, Message: "a message is already being sent"}

// KindOf reports the kind of err, KindInternal for foreign errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Describe returns the user facing description of any error.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Description()
	}
	return err.Error()
}
