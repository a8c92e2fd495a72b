// Package apierr defines the closed error taxonomy shared by every
// Mathia surface: WebSocket close codes, HTTP status codes, and the
// connector result envelope all derive from the same Code.
package apierr

import "fmt"

// Code is one of the error kinds from the error handling design.
type Code string

const (
	Unauthenticated  Code = "unauthenticated"
	Forbidden        Code = "forbidden"
	Validation       Code = "validation"
	RateLimited      Code = "rate_limited"
	Unsupported      Code = "unsupported"
	UpstreamFailure  Code = "upstream_failure"
	Conflict         Code = "conflict"
	Internal         Code = "internal"
)

// HumanMessages holds the generic, actionable text shown to end users.
// Never include upstream error detail here — see Error.Err for that.
var HumanMessages = map[Code]string{
	Unauthenticated: "please sign in again",
	Forbidden:       "you don't have access to this room",
	Validation:      "that request isn't valid",
	RateLimited:     "you're sending requests too quickly, try again shortly",
	Unsupported:     "mathia doesn't support that action yet",
	UpstreamFailure: "we can't reach that provider right now, try again in a minute",
	Conflict:        "that action conflicts with something already in progress",
	Internal:        "something went wrong on our end",
}

// WSCloseCode maps a Code to the WebSocket close code from the external
// interfaces section. Codes with no WS equivalent return 0.
func WSCloseCode(c Code) int {
	switch c {
	case Unauthenticated:
		return 4001
	case Forbidden:
		return 4003
	case RateLimited:
		return 4008
	case Internal:
		return 1011
	default:
		return 0
	}
}

// HTTPStatus maps a Code to the HTTP status from the error handling table.
func HTTPStatus(c Code) int {
	switch c {
	case Unauthenticated:
		return 401
	case Forbidden:
		return 403
	case Validation:
		return 400
	case RateLimited:
		return 429
	case Unsupported:
		return 422
	case UpstreamFailure:
		return 502
	case Conflict:
		return 409
	default:
		return 500
	}
}

// Retryable reports whether the caller's internal retry policy applies.
// Validation and Forbidden are never retried; everything upstream-shaped is.
func Retryable(c Code) bool {
	switch c {
	case UpstreamFailure:
		return true
	default:
		return false
	}
}

// Error is the sentinel error value carried across package boundaries.
// Err holds internal detail for logs; it is never sent to a client —
// callers render HumanMessages[Code] instead.
type Error struct {
	Code      Code
	Err       error
	RetryAfter int64 // seconds, set for RateLimited
	TraceID   string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error wrapping err under code.
func New(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Newf constructs an Error from a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// RateLimitedErr builds the rate_limited variant carrying retry_after.
func RateLimitedErr(retryAfterSeconds int64) *Error {
	return &Error{Code: RateLimited, RetryAfter: retryAfterSeconds}
}

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error, defaulting to Internal.
func CodeOf(err error) Code {
	var e *Error
	if asError(err, &e) {
		return e.Code
	}
	return Internal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
