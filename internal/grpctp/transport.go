package grpctp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hanpama/normcache/internal/eventbus"
	"github.com/hanpama/normcache/internal/events"
	"github.com/hanpama/normcache/internal/network"
	"github.com/hanpama/normcache/internal/reqid"
)

// Transport is a gRPC network with connection pooling and deadline
// propagation. Queries and mutations use the unary Execute method,
// subscriptions the server-streaming Subscribe method.
type Transport struct {
	opts *Options

	mu     sync.RWMutex
	pools  map[string]*connPool // key: endpoint
	closed atomic.Bool
}

func New(opts ...Option) *Transport {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if len(o.DialOptions) == 0 {
		o.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		}
	}
	return &Transport{
		opts:  o,
		pools: make(map[string]*connPool),
	}
}

var _ network.Network = (*Transport)(nil)

func (t *Transport) Execute(ctx context.Context, req network.Request) iter.Seq2[*network.Response, error] {
	return network.Instrument(ctx, "grpc", req, network.Once(func(yield func(*network.Response, error) bool) {
		if req.Kind == "subscription" {
			t.subscribe(ctx, req, yield)
			return
		}
		yield(t.execute(ctx, req))
	}))
}

func (t *Transport) execute(ctx context.Context, req network.Request) (*network.Response, error) {
	if _, ok := ctx.Deadline(); !ok && t.opts.RPCTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.RPCTimeout)
		defer cancel()
	}
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	var res *network.Response
	err = t.call(ctx, "Execute", req.OperationName, func(ctx context.Context, cc *grpc.ClientConn, received *int) error {
		out := new(structpb.Struct)
		if err := cc.Invoke(ctx, methodExecute, in, out); err != nil {
			return err
		}
		*received = 1
		res, err = decodeResponse(out)
		return err
	})
	return res, err
}

func (t *Transport) subscribe(ctx context.Context, req network.Request, yield func(*network.Response, error) bool) {
	in, err := toStruct(req)
	if err != nil {
		yield(nil, err)
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopped := false
	err = t.call(ctx, "Subscribe", req.OperationName, func(ctx context.Context, cc *grpc.ClientConn, received *int) error {
		stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], methodSubscribe)
		if err != nil {
			return err
		}
		if err := stream.SendMsg(in); err != nil {
			return err
		}
		if err := stream.CloseSend(); err != nil {
			return err
		}
		for {
			out := new(structpb.Struct)
			if err := stream.RecvMsg(out); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			*received++
			res, err := decodeResponse(out)
			if err != nil {
				return err
			}
			if !yield(res, nil) {
				stopped = true
				return nil
			}
		}
	})
	if err != nil && !stopped {
		yield(nil, err)
	}
}

// call picks an endpoint, borrows a pooled connection and runs fn on it. fn
// counts the payloads it receives into its last argument.
func (t *Transport) call(ctx context.Context, method, operationName string, fn func(context.Context, *grpc.ClientConn, *int) error) (err error) {
	if t.closed.Load() {
		return ErrClosed
	}
	if t.opts.Provider == nil {
		return fmt.Errorf("grpctp: provider not configured")
	}
	endpoints, err := t.opts.Provider.Endpoints(ctx)
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		return ErrNoEndpoints
	}
	endpoint := endpoints[rand.IntN(len(endpoints))]

	cc, err := t.getConn(ctx, endpoint)
	if err != nil {
		return err
	}
	defer t.returnConn(endpoint, cc)

	md := metadata.Pairs("x-normcache-service", ServiceName)
	if rid, ok := reqid.FromContext(ctx); ok {
		md.Set("graphql-request-id", strconv.FormatInt(rid, 10))
	}
	ctx = metadata.NewOutgoingContext(ctx, metadata.Join(md, outgoing(ctx)))

	start := time.Now()
	eventbus.Publish(ctx, events.GRPCClientStart{Method: method, Target: endpoint, OperationName: operationName})
	var received int
	err = fn(ctx, cc, &received)
	eventbus.Publish(ctx, events.GRPCClientFinish{
		Method:        method,
		Target:        endpoint,
		OperationName: operationName,
		Payloads:      received,
		Code:          status.Code(err),
		Err:           err,
		Duration:      time.Since(start),
	})
	return err
}

func outgoing(ctx context.Context) metadata.MD {
	md, _ := metadata.FromOutgoingContext(ctx)
	return md
}

func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pools {
		p.close()
	}
	t.pools = map[string]*connPool{}
	return nil
}

type connPool struct {
	endpoint string
	opts     *Options
	mu       sync.Mutex
	conns    chan *grpc.ClientConn
	closed   bool
}

func newConnPool(endpoint string, opts *Options) *connPool {
	n := opts.MaxConnsPerEndpoint
	if n <= 0 {
		n = 2
	}
	return &connPool{
		endpoint: endpoint,
		opts:     opts,
		conns:    make(chan *grpc.ClientConn, n),
	}
}

func (p *connPool) get(ctx context.Context) (*grpc.ClientConn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	select {
	case cc := <-p.conns:
		return cc, nil
	default:
		return grpc.DialContext(ctx, p.endpoint, p.opts.DialOptions...)
	}
}

func (p *connPool) put(cc *grpc.ClientConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = cc.Close()
		return
	}
	select {
	case p.conns <- cc:
	default:
		_ = cc.Close()
	}
}

func (p *connPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.conns)
	for cc := range p.conns {
		_ = cc.Close()
	}
}

func (t *Transport) getConn(ctx context.Context, endpoint string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	pool := t.pools[endpoint]
	t.mu.RUnlock()
	if pool == nil {
		t.mu.Lock()
		pool = t.pools[endpoint]
		if pool == nil {
			pool = newConnPool(endpoint, t.opts)
			t.pools[endpoint] = pool
		}
		t.mu.Unlock()
	}
	return pool.get(ctx)
}

func (t *Transport) returnConn(endpoint string, cc *grpc.ClientConn) {
	t.mu.RLock()
	pool := t.pools[endpoint]
	t.mu.RUnlock()
	if pool != nil {
		pool.put(cc)
		return
	}
	_ = cc.Close()
}
