package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveExecution(t *testing.T) {
	c := New()
	c.ObserveExecution("codex", "succeeded", 2*time.Second)
	c.ObserveExecution("codex", "succeeded", time.Second)
	c.ObserveExecution("codex", "timed_out", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.ExecutionsTotal.WithLabelValues("codex", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ExecutionsTotal.WithLabelValues("codex", "timed_out")))

	m := &dto.Metric{}
	require.NoError(t, c.ExecutionDuration.WithLabelValues("codex").(prometheus.Metric).Write(m))
	assert.Equal(t, uint64(3), m.GetHistogram().GetSampleCount())
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.ObserveExecution("codex", "failed", time.Second)
	c.RegisterAdmission(func() int { return 0 }, func() int { return 0 })

	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestAdmissionGaugesAndHandler(t *testing.T) {
	c := New()
	active, depth := 2, 5
	c.RegisterAdmission(func() int { return active }, func() int { return depth })

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "codegate_admission_active 2")
	assert.Contains(t, body, "codegate_admission_queue_depth 5")
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	c := New()
	r := chi.NewRouter()
	r.Use(c.Middleware)
	r.Post("/api/cancel/{requestId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/cancel/"+id, nil))
	}

	got := testutil.ToFloat64(c.HTTPRequestsTotal.WithLabelValues(http.MethodPost, "/api/cancel/{requestId}", "404"))
	assert.Equal(t, 3.0, got)

	n, err := testutil.GatherAndCount(c.Registry, "codegate_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, strings.Contains(scrape(t, c), `route="/api/cancel/a"`))
}

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}
