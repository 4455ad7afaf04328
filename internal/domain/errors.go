package domain

import "errors"

// Kind is the category of a failure. Callers branch on Kind; Reason is for people.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindState       Kind = "state"
	KindForbidden   Kind = "forbidden"
	KindUnavailable Kind = "unavailable"
)

const (
	CodeInvalidFormat    = "invalid_format"
	CodeMissingField     = "missing_field"
	CodeInvalidValue     = "invalid_value"
	CodeUnknownStudent   = "unknown_student"
	CodeUnknownClass     = "unknown_class"
	CodeUnknownGuardian  = "unknown_guardian"
	CodeUnknownPass      = "unknown_pass"
	CodeUnknownTransfer  = "unknown_transfer"
	CodeUnknownNotice    = "unknown_notification"
	CodePassExpired      = "pass_expired"
	CodeAlreadyProcessed = "already_processed"
	CodeNotEnrolled      = "not_enrolled"
	CodeNotLinked        = "not_linked"
	CodeRoleRequired     = "role_required"
	CodeStoreUnavailable = "store_unavailable"
)

// Error is a categorized failure with a human-readable reason.
type Error struct {
	Kind   Kind
	Code   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind, and on Code when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

var (
	ErrValidation  = &Error{Kind: KindValidation, Reason: "invalid request"}
	ErrNotFound    = &Error{Kind: KindNotFound, Reason: "not found"}
	ErrState       = &Error{Kind: KindState, Reason: "invalid state"}
	ErrForbidden   = &Error{Kind: KindForbidden, Reason: "forbidden"}
	ErrUnavailable = &Error{Kind: KindUnavailable, Reason: "server unavailable"}

	ErrInvalidFormat    = &Error{Kind: KindValidation, Code: CodeInvalidFormat, Reason: "badly formed code"}
	ErrAlreadyProcessed = &Error{Kind: KindState, Code: CodeAlreadyProcessed, Reason: "already processed"}
	ErrNotEnrolled      = &Error{Kind: KindState, Code: CodeNotEnrolled, Reason: "student is not enrolled in this class"}
	ErrPassExpired      = &Error{Kind: KindState, Code: CodePassExpired, Reason: "pass has expired"}
)

func Validation(code, reason string) *Error {
	return &Error{Kind: KindValidation, Code: code, Reason: reason}
}

func NotFound(code, reason string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Reason: reason}
}

func State(code, reason string) *Error {
	return &Error{Kind: KindState, Code: code, Reason: reason}
}

func Forbidden(code, reason string) *Error {
	return &Error{Kind: KindForbidden, Code: code, Reason: reason}
}

// Unavailable wraps a backing-store failure. The caller should retry the whole operation.
func Unavailable(err error) *Error {
	return &Error{Kind: KindUnavailable, Code: CodeStoreUnavailable, Reason: "server unavailable, try again", Err: err}
}

// AsError returns err as a categorized *Error. Uncategorized errors become Unavailable.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return Unavailable(err)
}

// Wrap is AsError that keeps nil as a nil error interface.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return AsError(err)
}
