package events

import "time"

// OperationStart is emitted when an environment starts or joins an
// operation.
type OperationStart struct {
	Identity      string
	OperationName string
	OperationType string
	// Deduplicated is true when the caller attached to an in-flight
	// execution instead of starting one.
	Deduplicated bool
}

// OperationFinish is emitted when a caller's operation settles.
type OperationFinish struct {
	Identity      string
	OperationName string
	OperationType string
	// State is the state of the shared execution when the caller left it:
	// settled_success, settled_failure, or in_flight for a caller that
	// detached early.
	State    string
	Err      error
	Missing  bool
	Duration time.Duration
}

// NetworkStart is emitted before a network execution starts.
type NetworkStart struct {
	Transport     string
	Identity      string
	OperationName string
}

// NetworkFinish is emitted when the network sequence of an execution ends.
type NetworkFinish struct {
	Transport     string
	Identity      string
	OperationName string
	Payloads      int
	Err           error
	Duration      time.Duration
}
