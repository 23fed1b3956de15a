package dispatcher

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a dispatch failure.
type Kind int

const (
	// KindRateLimited: the platform asked us to back off and the task could
	// not wait long enough (retries used up or deadline too close).
	KindRateLimited Kind = iota + 1
	// KindTimeout: the task's deadline passed before a result arrived.
	KindTimeout
	// KindExhausted: transient failures persisted through every retry.
	KindExhausted
	// KindRejected: the platform refused the request permanently.
	KindRejected
	// KindClosed: the dispatcher was shut down.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindExhausted:
		return "exhausted"
	case KindRejected:
		return "rejected"
	case KindClosed:
		return "closed"
	}
	return "unknown"
}

// Error is returned by Dispatch for every failure. A caller must treat any
// Error as "membership unknown", never as "not a member".
type Error struct {
	Kind       Kind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := "dispatch " + e.Kind.String()
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the Err* sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.RetryAfter == 0 && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrRateLimited = &Error{Kind: KindRateLimited}
	ErrTimeout     = &Error{Kind: KindTimeout}
	ErrExhausted   = &Error{Kind: KindExhausted}
	ErrRejected    = &Error{Kind: KindRejected}
	ErrClosed      = &Error{Kind: KindClosed}
)

// KindOf extracts the kind of a dispatch error, or 0.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}

// Checker errors can opt into special handling by implementing these.
type (
	retryAfterError interface{ RetryAfter() time.Duration }
	permanentError  interface{ Permanent() bool }
)

func retryAfterOf(err error) (time.Duration, bool) {
	var ra retryAfterError
	if errors.As(err, &ra) && ra.RetryAfter() > 0 {
		return ra.RetryAfter(), true
	}
	return 0, false
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p) && p.Permanent()
}
