// internal/upstream/errors.go
package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	// KindUnavailable: transport failure or non-2xx status.
	KindUnavailable Kind = iota + 1
	// KindMalformed: 2xx with a body that is not the expected JSON.
	KindMalformed
	// KindNotFound: 404 on a single-release lookup.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindMalformed:
		return "malformed"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

type Error struct {
	Op     string
	Kind   Kind
	Status int // 0 when the request never got a response
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s: %s (http %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("upstream %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports transient failures: transport errors, 5xx and 429.
func (e *Error) Retryable() bool {
	if e.Kind != KindUnavailable {
		return false
	}
	return e.Status == 0 || e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

func kindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return 0
}

func IsUnavailable(err error) bool { return kindOf(err) == KindUnavailable }
func IsMalformed(err error) bool   { return kindOf(err) == KindMalformed }
func IsNotFound(err error) bool    { return kindOf(err) == KindNotFound }

// IsRetryable is true only for *Error values that report Retryable.
func IsRetryable(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Retryable()
}
