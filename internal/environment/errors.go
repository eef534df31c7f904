package environment

import (
	"errors"
	"fmt"

	"github.com/hanpama/normcache/internal/network"
)

// ErrNetwork matches every *NetworkError.
var ErrNetwork = errors.New("environment: network failure")

// NetworkError is the failure of an operation's network execution: either a
// transport error or a payload carrying errors and no data. Every caller
// attached to the execution receives the same value.
type NetworkError struct {
	Errors network.ErrorList
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("environment: network failure: %v", e.Err)
	}
	return fmt.Sprintf("environment: network failure: %v", e.Errors)
}

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

func (e *NetworkError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Errors
}
