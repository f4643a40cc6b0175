package shard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies a backend failure.
type Kind int

const (
	KindTransient Kind = iota + 1
	KindRejected
	KindNotFound
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching against *Error.
var (
	ErrTransient   = errors.New("transient backend error")
	ErrRejected    = errors.New("rejected by backend")
	ErrNotFound    = errors.New("segment not found")
	ErrUnavailable = errors.New("shard unavailable")
)

func (k Kind) sentinel() error {
	switch k {
	case KindTransient:
		return ErrTransient
	case KindRejected:
		return ErrRejected
	case KindNotFound:
		return ErrNotFound
	case KindUnavailable:
		return ErrUnavailable
	default:
		return nil
	}
}

// Error is a classified backend error.
type Error struct {
	Kind  Kind
	Shard int
	Op    string
	// RetryAfter is the backend's requested wait for rate-limited calls.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("shard %d %s: %s", e.Shard, e.Op, e.Kind.sentinel())
	}
	return fmt.Sprintf("shard %d %s: %s: %v", e.Shard, e.Op, e.Kind.sentinel(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Transient wraps err as a retryable failure.
func Transient(err error) error { return &Error{Kind: KindTransient, Shard: -1, Err: err} }

// RateLimited wraps err as a retryable failure that should wait at least after.
func RateLimited(err error, after time.Duration) error {
	return &Error{Kind: KindTransient, Shard: -1, RetryAfter: after, Err: err}
}

// Rejected wraps err as a permanent failure.
func Rejected(err error) error { return &Error{Kind: KindRejected, Shard: -1, Err: err} }

// NotFound wraps err as a backend-confirmed missing object.
func NotFound(err error) error { return &Error{Kind: KindNotFound, Shard: -1, Err: err} }

// Unavailable wraps err as an unreachable shard.
func Unavailable(err error) error { return &Error{Kind: KindUnavailable, Shard: -1, Err: err} }

// KindOf returns the classification of err. Unclassified context errors and
// network timeouts are transient; anything else unclassified is rejected.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	return KindRejected
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

func retryAfter(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// annotate stamps shard identity and operation onto a classified error.
// The input error is never mutated.
func annotate(err error, id int, op string) error {
	if err == nil {
		return nil
	}
	var se *Error
	if !errors.As(err, &se) {
		return &Error{Kind: KindOf(err), Shard: id, Op: op, Err: err}
	}
	if se.Shard >= 0 && se.Op != "" {
		return err
	}
	out := &Error{Kind: se.Kind, Shard: se.Shard, Op: se.Op, RetryAfter: se.RetryAfter, Err: se.Err}
	if out.Shard < 0 {
		out.Shard = id
	}
	if out.Op == "" {
		out.Op = op
	}
	if err != error(se) {
		// Keep the outer wrapping context as the cause.
		out.Err = err
	}
	return out
}
