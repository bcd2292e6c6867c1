package remote

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed remote call for the state machine.
type ErrorKind int

const (
	// KindTransient marks network faults, timeouts and 5xx responses.
	// Safe to retry with backoff.
	KindTransient ErrorKind = iota
	// KindRejected marks business-rule failures (4xx other than 404).
	// Never retried automatically.
	KindRejected
	// KindNotFound marks a 404: the target is absent remotely. Deletes
	// treat it as already satisfied, updates as a conflict.
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindNotFound:
		return "not_found"
	default:
		return "transient"
	}
}

// Error is a classified remote call failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from err. Unclassified errors are
// treated as transient: retrying a fault we do not understand is safer
// than surfacing it as permanent.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindTransient
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == 404:
		return KindNotFound
	case status == 429 || status >= 500:
		return KindTransient
	default:
		return KindRejected
	}
}
