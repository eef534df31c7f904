// Package network defines the execution backend contract the environment
// drives, and the adapters that implement it: plain functions, the local
// executor, HTTP and graphql-transport-ws.
package network

import (
	"context"
	"iter"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hanpama/normcache/internal/eventbus"
	"github.com/hanpama/normcache/internal/events"
	"github.com/hanpama/normcache/internal/language"
	"github.com/hanpama/normcache/internal/operation"
)

// Network executes one request and yields its payloads. The sequence is lazy,
// finite and single-use: iterating it a second time yields ErrStreamConsumed.
// A query or mutation yields one payload; incremental delivery and
// subscriptions yield several, the last one with HasNext unset.
type Network interface {
	Execute(ctx context.Context, req Request) iter.Seq2[*Response, error]
}

// Request is what a network needs to run an operation.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`

	// ID is the operation identity, used to correlate events.
	ID string `json:"-"`
	// Kind is "query", "mutation" or "subscription".
	Kind string `json:"-"`
	// Document is the parsed operation when the caller has one. In-process
	// networks use it to skip parsing.
	Document *language.QueryDocument `json:"-"`
}

// NewRequest builds the request for op.
func NewRequest(op *operation.Operation) Request {
	d := op.Descriptor
	return Request{
		ID:            op.Identity,
		Query:         d.Text,
		OperationName: d.Name,
		Variables:     op.Variables,
		Kind:          string(d.Kind),
		Document:      d.Document,
	}
}

// Response is one payload in the GraphQL response format. Path and Label are
// set on incremental payloads, which carry Data for the object at Path.
type Response struct {
	Data       map[string]any `json:"data"`
	Errors     ErrorList      `json:"errors,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Label      string         `json:"label,omitempty"`
	HasNext    bool           `json:"hasNext,omitempty"`
}

// Failed reports whether the payload carries errors and no data.
func (r *Response) Failed() bool { return r.Data == nil && len(r.Errors) > 0 }

// Error is a GraphQL error as returned by a server.
type Error struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e *Error) Error() string { return e.Message }

type ErrorList []*Error

func (l ErrorList) Error() string {
	msgs := make([]string, len(l))
	for i, e := range l {
		msgs[i] = e.Message
	}
	return strings.Join(msgs, "; ")
}

// ExecuteFunc produces a single result.
type ExecuteFunc func(ctx context.Context, req Request) (*Response, error)

// Func adapts fn to Network.
func Func(fn ExecuteFunc) Network { return funcNetwork(fn) }

type funcNetwork ExecuteFunc

func (f funcNetwork) Execute(ctx context.Context, req Request) iter.Seq2[*Response, error] {
	return Instrument(ctx, "func", req, Once(func(yield func(*Response, error) bool) {
		res, err := f(ctx, req)
		if err == nil && res == nil {
			err = ErrEmptyResponse
		}
		yield(res, err)
	}))
}

// StreamFunc produces payloads by calling emit until emit returns false or
// the stream ends. A returned error becomes the last item of the sequence.
type StreamFunc func(ctx context.Context, req Request, emit func(*Response) bool) error

func (f StreamFunc) Execute(ctx context.Context, req Request) iter.Seq2[*Response, error] {
	return Instrument(ctx, "stream", req, Once(func(yield func(*Response, error) bool) {
		stopped := false
		err := f(ctx, req, func(res *Response) bool {
			if stopped {
				return false
			}
			if !yield(res, nil) {
				stopped = true
			}
			return !stopped
		})
		if err != nil && !stopped {
			yield(nil, err)
		}
	}))
}

// Instrument publishes NetworkStart and NetworkFinish around the iteration
// of seq.
func Instrument(ctx context.Context, transport string, req Request, seq iter.Seq2[*Response, error]) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		start := time.Now()
		eventbus.Publish(ctx, events.NetworkStart{
			Transport:     transport,
			Identity:      req.ID,
			OperationName: req.OperationName,
		})
		var (
			payloads int
			failure  error
		)
		defer func() {
			eventbus.Publish(ctx, events.NetworkFinish{
				Transport:     transport,
				Identity:      req.ID,
				OperationName: req.OperationName,
				Payloads:      payloads,
				Err:           failure,
				Duration:      time.Since(start),
			})
		}()
		for res, err := range seq {
			if err != nil {
				failure = err
			} else {
				payloads++
			}
			if !yield(res, err) {
				return
			}
		}
	}
}

// Once makes seq single-use. Adapters wrap their sequences with it.
func Once(seq iter.Seq2[*Response, error]) iter.Seq2[*Response, error] {
	var used atomic.Bool
	return func(yield func(*Response, error) bool) {
		if used.Swap(true) {
			yield(nil, ErrStreamConsumed)
			return
		}
		seq(yield)
	}
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[*Response, error]) ([]*Response, error) {
	var out []*Response
	for res, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}
