package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	}
	t.Fatalf("metric is neither counter nor gauge")
	return 0
}

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{409, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMiddleware_CountsByRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/payments/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	before := value(t, HTTPRequestsTotal.WithLabelValues("GET", "/v1/payments/:id", "4xx"))

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/payments/"+id, nil))
		require.Equal(t, http.StatusNotFound, w.Code)
	}

	after := value(t, HTTPRequestsTotal.WithLabelValues("GET", "/v1/payments/:id", "4xx"))
	assert.Equal(t, before+2, after)
}

func TestObserveJob(t *testing.T) {
	before := value(t, JobRunsTotal.WithLabelValues("test_job", "ok"))
	ObserveJob("test_job", "ok", 25*time.Millisecond)
	assert.Equal(t, before+1, value(t, JobRunsTotal.WithLabelValues("test_job", "ok")))

	h, err := JobDuration.GetMetricWithLabelValues("test_job")
	require.NoError(t, err)
	m := &dto.Metric{}
	require.NoError(t, h.(prometheus.Metric).Write(m))
	assert.GreaterOrEqual(t, m.GetHistogram().GetSampleCount(), uint64(1))
}

func TestRecordDBStats(t *testing.T) {
	RecordDBStats(sql.DBStats{OpenConnections: 7, Idle: 2, InUse: 5, WaitCount: 3, WaitDuration: 2 * time.Second})

	assert.Equal(t, 7.0, value(t, DBOpenConnections))
	assert.Equal(t, 2.0, value(t, DBIdleConnections))
	assert.Equal(t, 5.0, value(t, DBInUseConnections))
	assert.Equal(t, 3.0, value(t, DBWaitCount))
	assert.Equal(t, 2.0, value(t, DBWaitDuration))
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, name := range []string{"notemarket_db_open_connections", "notemarket_goroutines"} {
		assert.True(t, strings.Contains(body, name), "expected %s in output", name)
	}
}
