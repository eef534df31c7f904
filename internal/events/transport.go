package events

import (
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
)

// HTTPStart is published when the GraphQL endpoint receives a request,
// including websocket upgrades.
type HTTPStart struct {
	Request   *http.Request
	WebSocket bool
}

// HTTPFinish is published once the endpoint has answered. Operations is the
// number of GraphQL operations the request carried (batches count each
// entry).
type HTTPFinish struct {
	Request    *http.Request
	Status     int
	Operations int
	Duration   time.Duration
}

// GRPCClientStart is published before the gRPC network calls a backend.
type GRPCClientStart struct {
	Method        string
	Target        string
	OperationName string
}

// GRPCClientFinish is published when that call returns. Payloads counts the
// responses received, one for Execute and any number for Subscribe.
type GRPCClientFinish struct {
	Method        string
	Target        string
	OperationName string
	Payloads      int
	Code          codes.Code
	Err           error
	Duration      time.Duration
}
