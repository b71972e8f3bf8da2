package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveResolution(OutcomeCreated, "dictation")
	m.ObserveConflict("phone")
	m.ObserveSearch(0)
	m.ObserveLink("auto_phone")
	m.ObserveRevoke()
	m.ObserveBatch(time.Second)
	m.ObservePublish(nil)
	m.ObserveImportRow("ok")
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveResolution(OutcomeCreated, "dictation")
	m.ObserveResolution(OutcomeCreated, "dictation")
	m.ObserveResolution(OutcomeMerged, "phone_call")
	m.ObserveLink("auto_phone")
	m.ObservePublish(errors.New("broker down"))
	m.ObserveSearch(0)
	m.ObserveSearch(3)

	if got := testutil.ToFloat64(m.IdentityResolutions.WithLabelValues(OutcomeCreated, "dictation")); got != 2 {
		t.Errorf("created resolutions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.LinksCreated.WithLabelValues("auto_phone")); got != 1 {
		t.Errorf("links created = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.OutboxPublished.WithLabelValues("error")); got != 1 {
		t.Errorf("publish errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SearchRequests.WithLabelValues("miss")); got != 1 {
		t.Errorf("search misses = %v, want 1", got)
	}
}

func TestMetrics_HandlerAndMiddleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/identities/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/identities/abc", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	metricsRec := httptest.NewRecorder()
	m.Handler().ServeHTTP(metricsRec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := metricsRec.Body.String()
	if !strings.Contains(body, `patientlink_http_requests_total{method="GET",route="/api/v1/identities/:id",status="200"} 1`) {
		t.Errorf("expected route-labelled request counter, got:\n%s", body)
	}
}

func TestInitTracing_Disabled(t *testing.T) {
	p, err := InitTracing(context.Background(), TracingConfig{ServiceName: "patientlink"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown of disabled provider: %v", err)
	}
}

func TestTracingMiddleware_PassesThrough(t *testing.T) {
	e := echo.New()
	e.Use(TracingMiddleware())
	e.GET("/ping", func(c echo.Context) error {
		if c.Request().Context() == nil {
			t.Error("expected request context")
		}
		return c.NoContent(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}
