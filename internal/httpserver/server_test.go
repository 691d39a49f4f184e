package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"mailworker/internal/observability"
)

func newTestServer(checks ...Check) http.Handler {
	s := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_check_total", Help: "ops check"}))
	s.RegisterOps(reg, time.Second, checks...)
	return s.Handler()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	if rec := get(t, newTestServer(), "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyzReportsFailingCheck(t *testing.T) {
	ok := Check{Name: "db", Fn: func(context.Context) error { return nil }}
	bad := Check{Name: "sqs", Fn: func(context.Context) error { return errors.New("unreachable") }}

	if rec := get(t, newTestServer(ok), "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec := get(t, newTestServer(ok, bad), "/readyz")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "sqs") {
		t.Fatalf("expected 503 naming sqs, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, newTestServer(), "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ops_check_total") {
		t.Fatalf("expected metrics output, got %d", rec.Code)
	}
}

func TestRequestsCountedByRoute(t *testing.T) {
	h := newTestServer(Check{Name: "db", Fn: func(context.Context) error { return errors.New("down") }})
	ready := observability.HTTPRequests.WithLabelValues("/readyz", "503")
	before := testutil.ToFloat64(ready)

	get(t, h, "/readyz")
	get(t, h, "/readyz")

	if got := testutil.ToFloat64(ready) - before; got != 2 {
		t.Fatalf("expected 2 counted /readyz 503s, got %v", got)
	}
}
