package network

import (
	"errors"
	"fmt"
)

var (
	// ErrStreamConsumed is yielded when a response sequence is iterated twice.
	ErrStreamConsumed = errors.New("network: response stream already consumed")
	// ErrEmptyResponse is returned when an adapter produced neither a
	// response nor an error.
	ErrEmptyResponse = errors.New("network: empty response")
	// ErrUnsupported is returned for operation kinds a network cannot run.
	ErrUnsupported = errors.New("network: unsupported operation")
)

// StatusError reports a non-2xx HTTP response without a GraphQL body.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("network: http status %d", e.Code)
	}
	return fmt.Sprintf("network: http status %d: %s", e.Code, e.Body)
}
