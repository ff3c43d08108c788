package opencode

import (
	"errors"
	"fmt"
)

// ErrReadTimeout is returned by Stream.Next when no data arrives on the
// event stream within the configured read window. The executor treats it as
// a cue to fall back to polling, not as a failure.
var ErrReadTimeout = errors.New("opencode: stream read timeout")

// ConnectError wraps a transport-level failure: the runtime was unreachable
// or the connection died mid-request. These are the only errors the queue
// retries.
type ConnectError struct {
	Op  string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("opencode: %s: %v", e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// HTTPError is a response with a non-2xx status. Body holds a truncated copy
// of the response body for logs.
type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("opencode: %s: unexpected status %d", e.Op, e.StatusCode)
}

// DecodeError is a 2xx response whose body did not parse or did not carry
// the expected fields.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("opencode: %s: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a connection-level failure worth
// retrying. Status and decode errors are deterministic and excluded.
func IsTransient(err error) bool {
	var connectErr *ConnectError
	return errors.As(err, &connectErr)
}
