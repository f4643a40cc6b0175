package segclient

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

var (
	ErrNotFound    = errors.New("segclient: segment not found")
	ErrUnavailable = errors.New("segclient: shard unavailable")
	ErrBadRequest  = errors.New("segclient: bad request")
)

// StatusError is a non-200 reply from the responder.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("segclient: status %d: %s", e.Status, e.Message)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == 404
	case ErrUnavailable:
		return e.Status == 503
	case ErrBadRequest:
		return e.Status == 400
	}
	return false
}

// IsRetryable reports whether a later attempt may succeed: the owning shard
// was down, the service timed out, or no responder answered in time.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == 503 || se.Status == 504
	}
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders)
}
