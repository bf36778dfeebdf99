package fetch

import (
	"errors"
	"fmt"
)

// ErrNotFound reports that the server has no avatar at the URL. It is a
// normal miss, not a failure worth retrying.
var ErrNotFound = errors.New("avatar not found")

// Kind classifies fetch failures other than ErrNotFound.
type Kind int

const (
	// KindTransient failures may succeed on a later attempt.
	KindTransient Kind = iota + 1
	// KindFatal failures will not succeed without a different request.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error describes a failed fetch.
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %s: unexpected status %d", e.URL, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a not-found miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient reports whether err is a retryable fetch failure.
func IsTransient(err error) bool {
	return kindOf(err) == KindTransient
}

// IsFatal reports whether err is a non-retryable fetch failure.
func IsFatal(err error) bool {
	return kindOf(err) == KindFatal
}

// Category names the error class for logs and metrics.
func Category(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsNotFound(err):
		return "not_found"
	case IsTransient(err):
		return KindTransient.String()
	case IsFatal(err):
		return KindFatal.String()
	default:
		return "other"
	}
}

func kindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}
