package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/hanpama/normcache/internal/eventbus"
	"github.com/hanpama/normcache/internal/events"
)

func setup(t *testing.T) (*Metrics, *eventbus.Bus, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := New(reg)
	bus := eventbus.New()
	t.Cleanup(m.Register(bus))
	return m, bus, reg
}

func TestEventsFeedCollectors(t *testing.T) {
	m, bus, _ := setup(t)
	ctx := context.Background()

	eventbus.Emit(ctx, bus, events.OperationStart{OperationType: "query", Deduplicated: true})
	eventbus.Emit(ctx, bus, events.OperationFinish{OperationType: "query", Duration: time.Millisecond})
	eventbus.Emit(ctx, bus, events.OperationFinish{OperationType: "query", Err: errors.New("x")})
	eventbus.Emit(ctx, bus, events.NetworkFinish{Transport: "http", Payloads: 3})
	eventbus.Emit(ctx, bus, events.StoreWrite{Changed: 4, Records: 10})
	eventbus.Emit(ctx, bus, events.StoreNotify{Checked: 3, Delivered: 2})
	eventbus.Emit(ctx, bus, events.StoreGC{Removed: 6, Records: 4})
	eventbus.Emit(ctx, bus, events.HTTPFinish{Request: httptest.NewRequest("POST", "/", nil), Status: 200, Operations: 2})
	eventbus.Emit(ctx, bus, events.GRPCClientFinish{Method: "Execute", Code: codes.Unavailable})

	require.Equal(t, 1.0, testutil.ToFloat64(m.deduplicated))
	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("query", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("query", "error")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.payloads.WithLabelValues("http")))
	require.Equal(t, 4.0, testutil.ToFloat64(m.changed))
	require.Equal(t, 2.0, testutil.ToFloat64(m.notifications))
	require.Equal(t, 6.0, testutil.ToFloat64(m.collected))
	require.Equal(t, 4.0, testutil.ToFloat64(m.records))
	require.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "200")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.httpOperations))
	require.Equal(t, 1.0, testutil.ToFloat64(m.grpcCalls.WithLabelValues("Execute", "Unavailable")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	_, bus, reg := setup(t)
	eventbus.Emit(context.Background(), bus, events.StoreWrite{Changed: 1, Records: 1})

	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(w.Result().Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "normcache_store_records 1")
	require.Contains(t, string(body), `normcache_store_writes_total{outcome="ok"} 1`)
}
