package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("debug", true)
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))

	l, err = NewLogger("warn", false)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))

	_, err = NewLogger("loud", false)
	assert.Error(t, err)
}

func TestRequestIDMiddlewarePreservesIncomingID(t *testing.T) {
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "req-1", RequestIDFromContext(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set(requestIDHeader, "req-1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "req-1", rr.Header().Get(requestIDHeader))
}

func TestRequestIDMiddlewareGeneratesID(t *testing.T) {
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, RequestIDFromContext(r.Context()))
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, rr.Header().Get(requestIDHeader), 36)
	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestMetricsMiddlewareCountsByRoute(t *testing.T) {
	h := MetricsMiddleware("query", LoggingMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "query", "202"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/sessions/x/query", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "query", "202"))
	assert.Equal(t, before+1, after)
}

func TestDomainObservers(t *testing.T) {
	before := testutil.ToFloat64(turnsTotal.WithLabelValues("success"))
	ObserveTurn("success", 2, time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(turnsTotal.WithLabelValues("success")))

	plots := testutil.ToFloat64(plotsWrittenTotal)
	ObserveSandboxRun(true, 2, time.Millisecond)
	assert.Equal(t, plots+2, testutil.ToFloat64(plotsWrittenTotal))

	ObserveToolInvocation("pandas_agent", "success")
	ObserveModelCall("agent", "none", time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(modelCallsTotal.WithLabelValues("agent", "none")))
}
