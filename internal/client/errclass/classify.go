// Package errclass maps sync failures to retry decisions.
package errclass

import (
	"context"
	"errors"

	"github.com/iudanet/fieldsync/internal/client/remote"
)

// Class решение о повторе
type Class int

const (
	Retryable   Class = iota // повторить с backoff
	Permanent                // не повторять, показывать пользователю не нужно
	UserVisible              // не повторять, показать сообщение пользователю
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	case UserVisible:
		return "user_visible"
	}
	return "unknown"
}

// Message keys shown to the user
const (
	KeyPermissionDenied  = "sync.permission_denied"
	KeyMalformedDocument = "sync.malformed_document"
	KeyRetryExhausted    = "sync.retry_exhausted"
	KeyBatchTooLarge     = "sync.batch_too_large"
	KeyUnavailable       = "sync.unavailable"
	KeyUnknown           = "sync.unknown_error"
)

// Result is the classification of one error
type Result struct {
	MessageKey string
	Class      Class
	// Known is false for errors outside the remote taxonomy
	Known bool
}

// Classify is a pure mapping from an error to a retry decision.
// Unknown errors are retryable; the caller caps their retries and then
// escalates with Escalate.
func Classify(err error) Result {
	var malformed *remote.MalformedDocumentError
	switch {
	case err == nil:
		return Result{Class: Retryable, Known: true}
	case errors.Is(err, remote.ErrPermissionDenied):
		return Result{Class: UserVisible, MessageKey: KeyPermissionDenied, Known: true}
	case errors.As(err, &malformed):
		return Result{Class: Permanent, MessageKey: KeyMalformedDocument, Known: true}
	case errors.Is(err, remote.ErrBatchTooLarge):
		return Result{Class: UserVisible, MessageKey: KeyBatchTooLarge, Known: true}
	case errors.Is(err, remote.ErrUnavailable):
		return Result{Class: Retryable, MessageKey: KeyUnavailable, Known: true}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Result{Class: Retryable, MessageKey: KeyUnavailable, Known: true}
	}
	return Result{Class: Retryable, MessageKey: KeyUnknown}
}

// Escalate returns the classification used once an unknown error
// has exhausted its retries
func Escalate() Result {
	return Result{Class: UserVisible, MessageKey: KeyRetryExhausted}
}
