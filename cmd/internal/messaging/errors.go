package messaging

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrInvalidInput       = errors.New("invalid_input")
	ErrNotFound           = errors.New("not_found")
	ErrPermissionDenied   = errors.New("permission_denied")
	ErrSchemaMissing      = errors.New("schema_missing")
	ErrNetwork            = errors.New("network_failure")
	ErrConversationClosed = errors.New("conversation_closed")
	ErrNotificationFailed = errors.New("notification_failed")
	ErrSessionClosed      = errors.New("session_closed")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Err carries the underlying cause (driver error, etc.) and may be nil.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NotFoundError reports a missing referenced resource (order, store, customer, conversation).
type NotFoundError struct {
	Op       string
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrNotFound)
	}
	return fmt.Sprintf("%s: %v: %s %q", e.Op, ErrNotFound, e.Resource, e.ID)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// UploadError reports a single attachment that failed to upload or persist.
// It never invalidates the owning message.
type UploadError struct {
	Index    int
	FileName string
	Err      error
}

func (e UploadError) Error() string {
	return fmt.Sprintf("attachment %d (%s): %v", e.Index, e.FileName, e.Err)
}

func (e UploadError) Unwrap() error { return e.Err }

func invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Err: errors.New(msg)}
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsNonCritical reports whether err is an access/schema failure that list-scoping lookups
// degrade to an empty result.
func IsNonCritical(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrSchemaMissing)
}

// UserMessage renders err as text fit for an end user. Driver details never leak.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "The request was not valid."
	case errors.Is(err, ErrNotFound):
		return "The conversation or order could not be found."
	case errors.Is(err, ErrPermissionDenied):
		return "You do not have access to this conversation."
	case errors.Is(err, ErrConversationClosed):
		return "This conversation is closed."
	case errors.Is(err, ErrSchemaMissing):
		return "Messaging is not available right now."
	case errors.Is(err, ErrNetwork):
		return "Network error. Please try again."
	case errors.Is(err, ErrSessionClosed):
		return "The session has ended."
	default:
		return "Something went wrong. Please try again."
	}
}

func partialUploadText(failed int) string {
	if failed == 1 {
		return "Message sent, but 1 attachment failed to upload."
	}
	return fmt.Sprintf("Message sent, but %d attachments failed to upload.", failed)
}
