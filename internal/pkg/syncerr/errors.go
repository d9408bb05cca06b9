// Package syncerr holds the error taxonomy shared by the billing gate, the
// external clients and the task executor.
package syncerr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMalformed marks input rejected before any state mutation.
	ErrMalformed = errors.New("malformed input")
	// ErrNotFound marks an expected missing entity on delete/update paths.
	ErrNotFound = errors.New("not found")
)

// Malformed wraps a reason string so that errors.Is(err, ErrMalformed) holds
// while Error() returns the bare reason.
func Malformed(reason string) error {
	return &malformedError{reason: reason}
}

type malformedError struct {
	reason string
}

func (e *malformedError) Error() string { return e.reason }

func (e *malformedError) Is(target error) bool { return target == ErrMalformed }

// DuplicateError signals a data-integrity conflict that needs an operator.
type DuplicateError struct {
	Entity string
	Key    string
	Detail string
}

func (e *DuplicateError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %q already exists: %s", e.Entity, e.Key, e.Detail)
	}
	return fmt.Sprintf("%s %q already exists", e.Entity, e.Key)
}

// SchemaViolationError is a caller error: the request can never succeed.
type SchemaViolationError struct {
	Field  string
	Action string
	Reason string
}

func (e *SchemaViolationError) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("schema violation on %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("schema violation: action %q not allowed on field %q", e.Action, e.Field)
}

// RemoteError is a business-level error reported by an external system.
type RemoteError struct {
	System  string
	Op      string
	Code    string
	Details string
	Reason  string
}

func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.System, e.Op, e.Code)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// TransientError covers transport failures, timeouts, throttling and 5xx
// answers. Only these are retried by the task executor.
type TransientError struct {
	System     string
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: transient failure (status %d)", e.System, e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: transient failure: %v", e.System, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryableStatus reports whether an HTTP status is worth retrying.
func IsRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// Reason returns a short operator-facing string for err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var re *RemoteError
	if errors.As(err, &re) && re.Details != "" {
		if re.Reason != "" {
			return re.Details + ": " + re.Reason
		}
		return re.Details
	}
	return err.Error()
}
