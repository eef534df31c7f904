package grpctp

import "errors"

var (
	// ErrNoEndpoints is returned when the provider knows no address to call.
	ErrNoEndpoints = errors.New("grpctp: no endpoints")
	// ErrClosed is returned by calls on a closed Transport.
	ErrClosed = errors.New("grpctp: transport closed")
)
