package environment

import (
	"context"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/hanpama/normcache/internal/network"
	"github.com/hanpama/normcache/internal/operation"
)

// States of an in-flight execution.
const (
	StateIdle           = "idle"
	StateInFlight       = "in_flight"
	StateSettledSuccess = "settled_success"
	StateSettledFailure = "settled_failure"
)

const (
	eventStart   = "start"
	eventSucceed = "succeed"
	eventFail    = "fail"
)

// execution is one network execution shared by every caller that asked for
// the same operation identity while it was running.
type execution struct {
	op     *operation.Operation
	state  *fsm.FSM
	cancel context.CancelFunc
	done   chan struct{}

	// guarded by Environment.mu
	callers int

	// written before done is closed
	err    error
	errors network.ErrorList
}

func newExecution(op *operation.Operation, cancel context.CancelFunc, log *zap.Logger) *execution {
	return &execution{
		op:     op,
		cancel: cancel,
		done:   make(chan struct{}),
		state: fsm.NewFSM(
			StateIdle,
			fsm.Events{
				{Name: eventStart, Src: []string{StateIdle}, Dst: StateInFlight},
				{Name: eventSucceed, Src: []string{StateInFlight}, Dst: StateSettledSuccess},
				{Name: eventFail, Src: []string{StateInFlight}, Dst: StateSettledFailure},
			},
			fsm.Callbacks{
				"enter_state": func(_ context.Context, ev *fsm.Event) {
					log.Debug("execution state",
						zap.String("identity", op.Identity),
						zap.String("from", ev.Src),
						zap.String("to", ev.Dst))
				},
			},
		),
	}
}

// transition fires event. An event not allowed from the current state is
// returned as an error and leaves the state unchanged.
func (x *execution) transition(event string) error {
	return x.state.Event(context.Background(), event)
}

// State returns the current state of the execution.
func (x *execution) State() string { return x.state.Current() }

func (x *execution) settled() bool {
	return x.state.Is(StateSettledSuccess) || x.state.Is(StateSettledFailure)
}
