package grpctp

import (
	"context"
	"slices"
	"sync"
)

// EndpointProvider lists the host:port addresses serving ServiceName. It is
// consulted on every call, so implementations may follow service discovery.
type EndpointProvider interface {
	Endpoints(ctx context.Context) ([]string, error)
}

// EndpointsFunc adapts a function to an EndpointProvider.
type EndpointsFunc func(ctx context.Context) ([]string, error)

func (f EndpointsFunc) Endpoints(ctx context.Context) ([]string, error) { return f(ctx) }

// StaticEndpoints is an EndpointProvider over a fixed list that can be
// replaced at runtime.
type StaticEndpoints struct {
	mu    sync.RWMutex
	addrs []string
}

func NewStaticEndpoints(addrs ...string) *StaticEndpoints {
	return &StaticEndpoints{addrs: slices.Clone(addrs)}
}

func (s *StaticEndpoints) Endpoints(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.addrs) == 0 {
		return nil, ErrNoEndpoints
	}
	return slices.Clone(s.addrs), nil
}

// Set replaces the list. Calls already holding a connection keep it.
func (s *StaticEndpoints) Set(addrs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs = slices.Clone(addrs)
}
