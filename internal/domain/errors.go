package domain

import "errors"

// Sentinel errors for the domain layer. Callers wrap them with fmt.Errorf
// and %w so the transport can classify a failure with errors.Is.
var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("requested resource not found")
	ErrNotAuthorized  = errors.New("not authorized")
	ErrAuthentication = errors.New("invalid or expired session token")
	ErrTransient      = errors.New("temporary infrastructure failure")
)

// ErrorCode returns the wire code for err, used in response envelopes.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	default:
		return "transient"
	}
}
