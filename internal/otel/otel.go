// Package otel turns pipeline events into OpenTelemetry spans. Spans are
// correlated through the request id carried by each event's context.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanpama/normcache/internal/eventbus"
	"github.com/hanpama/normcache/internal/events"
	"github.com/hanpama/normcache/internal/reqid"
)

const tracerName = "normcache"

// Setup configures an OTLP exporter and attaches span subscribers to bus.
// If endpoint is empty, no telemetry is configured.
func Setup(ctx context.Context, bus *eventbus.Bus, endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	unregister := Register(bus, tp.Tracer(tracerName))
	return func(ctx context.Context) error {
		unregister()
		return tp.Shutdown(ctx)
	}, nil
}

type opKey struct {
	rid      int64
	identity string
}

type subscriber struct {
	tracer    trace.Tracer
	httpSpans sync.Map // rid -> trace.Span
	opSpans   sync.Map // opKey -> trace.Span
	netSpans  sync.Map // opKey -> trace.Span
	grpcSpans sync.Map // rid -> trace.Span
}

// Register attaches span subscribers for every pipeline event to bus and
// returns a function detaching them.
func Register(bus *eventbus.Bus, tracer trace.Tracer) func() {
	s := &subscriber{tracer: tracer}
	return s.register(bus)
}

func (s *subscriber) register(bus *eventbus.Bus) func() {
	unsubs := []func(){
		eventbus.On(bus, func(ctx context.Context, e events.HTTPStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "http.request")
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Request.Method),
				attribute.String("http.target", e.Request.URL.Path),
				attribute.Bool("http.websocket", e.WebSocket),
			)
			s.httpSpans.Store(rid, span)
		}),

		eventbus.On(bus, func(ctx context.Context, e events.HTTPFinish) {
			rid, _ := reqid.FromContext(ctx)
			span, ok := take(&s.httpSpans, rid)
			if !ok {
				return
			}
			span.SetAttributes(
				semconv.HTTPStatusCodeKey.Int(e.Status),
				attribute.Int("graphql.operations", e.Operations),
			)
			span.End()
		}),

		eventbus.On(bus, func(ctx context.Context, e events.OperationStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(s.parent(ctx, rid, &s.httpSpans, rid), "graphql.operation")
			span.SetAttributes(
				attribute.String("graphql.operation.name", e.OperationName),
				attribute.String("graphql.operation.type", e.OperationType),
				attribute.String("normcache.operation.identity", e.Identity),
				attribute.Bool("normcache.deduplicated", e.Deduplicated),
			)
			s.opSpans.Store(opKey{rid, e.Identity}, span)
		}),

		eventbus.On(bus, func(ctx context.Context, e events.OperationFinish) {
			rid, _ := reqid.FromContext(ctx)
			span, ok := take(&s.opSpans, opKey{rid, e.Identity})
			if !ok {
				return
			}
			span.SetAttributes(
				attribute.Bool("normcache.missing_data", e.Missing),
				attribute.String("normcache.execution.state", e.State),
			)
			end(span, e.Err)
		}),

		eventbus.On(bus, func(ctx context.Context, e events.NetworkStart) {
			rid, _ := reqid.FromContext(ctx)
			key := opKey{rid, e.Identity}
			_, span := s.tracer.Start(s.parent(ctx, key, &s.opSpans, rid), "network.execute")
			span.SetAttributes(
				attribute.String("normcache.network.transport", e.Transport),
				attribute.String("graphql.operation.name", e.OperationName),
			)
			s.netSpans.Store(key, span)
		}),

		eventbus.On(bus, func(ctx context.Context, e events.NetworkFinish) {
			rid, _ := reqid.FromContext(ctx)
			span, ok := take(&s.netSpans, opKey{rid, e.Identity})
			if !ok {
				return
			}
			span.SetAttributes(attribute.Int("normcache.network.payloads", e.Payloads))
			end(span, e.Err)
		}),

		eventbus.On(bus, func(ctx context.Context, e events.StoreWrite) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.opSpans.Load(opKey{rid, e.Owner})
			if !ok {
				return
			}
			v.(trace.Span).AddEvent("store.write", trace.WithAttributes(
				attribute.Int("normcache.store.changed", e.Changed),
				attribute.Int("normcache.store.records", e.Records),
			))
		}),

		eventbus.On(bus, func(ctx context.Context, e events.GRPCClientStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(s.parent(ctx, rid, &s.httpSpans, rid), "grpc.client")
			span.SetAttributes(
				semconv.RPCSystemGRPC,
				semconv.RPCMethodKey.String(e.Method),
				attribute.String("net.peer.name", e.Target),
				attribute.String("graphql.operation.name", e.OperationName),
			)
			s.grpcSpans.Store(rid, span)
		}),

		eventbus.On(bus, func(ctx context.Context, e events.GRPCClientFinish) {
			rid, _ := reqid.FromContext(ctx)
			span, ok := take(&s.grpcSpans, rid)
			if !ok {
				return
			}
			span.SetAttributes(
				attribute.String("grpc.code", e.Code.String()),
				attribute.Int("normcache.network.payloads", e.Payloads),
			)
			end(span, e.Err)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// parent returns ctx carrying the span stored under key in m, falling back
// to the HTTP span of rid.
func (s *subscriber) parent(ctx context.Context, key any, m *sync.Map, rid int64) context.Context {
	if v, ok := m.Load(key); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	if v, ok := s.httpSpans.Load(rid); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	return ctx
}

func take(m *sync.Map, key any) (trace.Span, bool) {
	v, ok := m.LoadAndDelete(key)
	if !ok {
		return nil, false
	}
	return v.(trace.Span), true
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
