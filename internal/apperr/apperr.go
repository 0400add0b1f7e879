// Package apperr defines the error taxonomy shared by every orchestration
// component and the wire error codes client connections observe.
package apperr

import "fmt"

// Kind classifies an error for retry/log/propagation policy.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindExternal     Kind = "external"
	KindCancellation Kind = "cancellation"
	KindStorage      Kind = "storage"
)

// Wire error codes, §6.
const (
	CodeSessionNotReady       = "session_not_ready"
	CodeSessionDeleted        = "session_deleted"
	CodeEmptyText             = "empty_text"
	CodeInvalidSessionID      = "invalid_session_id"
	CodeQueueError            = "queue_error"
	CodeUpstreamError         = "upstream_error"
	CodeExternalAgentError    = "external_agent_error"
	CodeToolNotFound          = "tool_not_found"
	CodeInvalidArguments      = "invalid_arguments"
	CodeSessionBusy           = "session_busy"
	CodeWindowRequired        = "window_required"
	CodeWindowNotFound        = "window_not_found"
	CodeStorageError          = "storage_error"
	CodeInteractionUnavail    = "interaction_unavailable"
)

// Error is the concrete error type returned at component boundaries.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: err.Error(), Err: err}
}

func (e *Error) WithRetryable(r bool) *Error {
	e.Retryable = r
	return e
}

// As extracts an *Error from err, following the Unwrap chain.
func As(err error) (*Error, bool) {
	var target *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			return ae, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return target, false
}

// Code returns the wire code for err, defaulting to upstream_error for
// anything not already classified.
func Code(err error) string {
	if ae, ok := As(err); ok {
		return ae.Code
	}
	return CodeUpstreamError
}

func SessionNotReady(sessionID string) *Error {
	return New(KindConflict, CodeSessionNotReady, "session "+sessionID+" is not ready")
}

func SessionDeleted(sessionID string) *Error {
	return New(KindNotFound, CodeSessionDeleted, "session "+sessionID+" is deleted")
}

func EmptyText() *Error {
	return New(KindValidation, CodeEmptyText, "text must not be empty")
}

func InvalidSessionID(sessionID string) *Error {
	return New(KindValidation, CodeInvalidSessionID, "invalid session id "+sessionID)
}

func QueueError(err error) *Error {
	return Wrap(KindConflict, CodeQueueError, err)
}

func UpstreamError(err error) *Error {
	return Wrap(KindExternal, CodeUpstreamError, err).WithRetryable(true)
}

func ExternalAgentError(err error) *Error {
	return Wrap(KindExternal, CodeExternalAgentError, err)
}

func ToolNotFound(name string) *Error {
	return New(KindNotFound, CodeToolNotFound, "tool not found: "+name)
}

func InvalidArguments(message string) *Error {
	return New(KindValidation, CodeInvalidArguments, message)
}

func SessionBusy(sessionID string) *Error {
	return New(KindConflict, CodeSessionBusy, "session "+sessionID+" is busy")
}

func WindowRequired() *Error {
	return New(KindValidation, CodeWindowRequired, "window is required")
}

func WindowNotFound(id string) *Error {
	return New(KindNotFound, CodeWindowNotFound, "window not found: "+id)
}

func StorageError(err error) *Error {
	return Wrap(KindStorage, CodeStorageError, err)
}

func InteractionUnavailable() *Error {
	return New(KindConflict, CodeInteractionUnavail, "interaction support unavailable")
}
