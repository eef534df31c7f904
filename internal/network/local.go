package network

import (
	"context"
	"fmt"
	"iter"

	"github.com/hanpama/normcache/internal/executor"
	"github.com/hanpama/normcache/internal/language"
)

// Local runs requests in process against an executor. Parse and validation
// failures are reported as GraphQL errors, the way a server would.
type Local struct {
	exec *executor.Executor
	root any
}

// NewLocal returns a network over exec. rootValue is handed to the root
// resolvers of every request.
func NewLocal(exec *executor.Executor, rootValue any) *Local {
	return &Local{exec: exec, root: rootValue}
}

func (l *Local) Execute(ctx context.Context, req Request) iter.Seq2[*Response, error] {
	return Instrument(ctx, "local", req, Once(func(yield func(*Response, error) bool) {
		yield(l.execute(ctx, req))
	}))
}

func (l *Local) execute(ctx context.Context, req Request) (*Response, error) {
	if req.Kind == "subscription" {
		return nil, fmt.Errorf("%w: local network does not run subscriptions", ErrUnsupported)
	}
	doc := req.Document
	if doc == nil {
		var err error
		doc, err = language.LoadQuery(l.exec.Schema().Source, req.Query)
		if err != nil {
			return &Response{Errors: ErrorList{{Message: err.Error()}}}, nil
		}
	}
	res := l.exec.Execute(ctx, executor.Params{
		Document:      doc,
		OperationName: req.OperationName,
		Variables:     req.Variables,
		RootValue:     l.root,
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fromResult(res), nil
}

func fromResult(res *executor.Result) *Response {
	out := &Response{}
	if data, ok := res.Data.(map[string]any); ok {
		out.Data = data
	}
	for _, e := range res.Errors {
		out.Errors = append(out.Errors, &Error{
			Message:    e.Message,
			Path:       []any(e.Path),
			Extensions: e.Extensions,
		})
	}
	return out
}
