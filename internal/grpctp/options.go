package grpctp

import (
	"time"

	"google.golang.org/grpc"
)

// Options configures a Transport. Without a Provider every call fails with
// ErrNoEndpoints.
type Options struct {
	Provider EndpointProvider

	// MaxConnsPerEndpoint bounds the idle connections kept per address
	// (default 2).
	MaxConnsPerEndpoint int
	// RPCTimeout applies to Execute calls whose context has no deadline
	// (default 10s). Subscribe streams never get one.
	RPCTimeout time.Duration

	// DialOptions replace the default insecure credentials.
	DialOptions []grpc.DialOption
}

type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		MaxConnsPerEndpoint: 2,
		RPCTimeout:          10 * time.Second,
	}
}

func WithProvider(p EndpointProvider) Option { return func(o *Options) { o.Provider = p } }
func WithMaxConnsPerEndpoint(n int) Option   { return func(o *Options) { o.MaxConnsPerEndpoint = n } }
func WithRPCTimeout(d time.Duration) Option  { return func(o *Options) { o.RPCTimeout = d } }
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *Options) { o.DialOptions = opts }
}

// WithEndpoints calls a fixed list of host:port addresses.
func WithEndpoints(addrs ...string) Option {
	return WithProvider(NewStaticEndpoints(addrs...))
}
