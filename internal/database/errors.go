package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nfrund/rufer/internal/domain"
)

// Common database errors that can be checked using errors.Is()
var (
	// ErrNotConnected is returned when no healthy connection is available.
	ErrNotConnected = errors.New("database not connected")

	// ErrQueryFailed is returned when a statement reports a non-OK status.
	ErrQueryFailed = errors.New("query execution failed")

	// ErrConflict is returned when a transaction lost a write race and can be retried.
	ErrConflict = errors.New("transaction conflict")
)

// DBError represents a database error with additional context.
type DBError struct {
	err     error
	context string
	query   string
}

// NewDBError creates a new DBError with the given error and context.
// The context should describe what operation was being performed when the error occurred.
func NewDBError(err error, context string) *DBError {
	return &DBError{err: err, context: context}
}

// WithQuery adds query information to the error.
func (e *DBError) WithQuery(query string) *DBError {
	e.query = query
	return e
}

func (e *DBError) Error() string {
	msg := e.context
	if e.query != "" {
		msg = fmt.Sprintf("%s (query: %s)", msg, compactQuery(e.query))
	}
	if e.err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.err)
	}
	return msg
}

func (e *DBError) Unwrap() error {
	return e.err
}

// Is lets infrastructure failures match domain.ErrTransient so the transport
// reports them with the transient error code.
func (e *DBError) Is(target error) bool {
	if target == domain.ErrTransient {
		return errors.Is(e.err, ErrNotConnected) || errors.Is(e.err, ErrConflict) || isConnectionError(e.err)
	}
	return false
}

// WrapError wraps an error with additional context.
// If the error is already a DBError, it adds the context to the existing error.
func WrapError(err error, context string) error {
	if err == nil {
		return nil
	}
	var dbErr *DBError
	if errors.As(err, &dbErr) {
		if dbErr.context != "" {
			context = fmt.Sprintf("%s: %s", context, dbErr.context)
		}
		dbErr.context = context
		return dbErr
	}
	return NewDBError(err, context)
}

// isConflict reports whether err is a retryable transaction conflict.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "transaction conflict") ||
		strings.Contains(msg, "can be retried") ||
		strings.Contains(msg, "write conflict")
}

func compactQuery(q string) string {
	return strings.Join(strings.Fields(q), " ")
}
