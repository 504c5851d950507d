package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ServesHTTPAndExtraCollectors(t *testing.T) {
	extra := prometheus.NewCounter(prometheus.CounterOpts{Name: "sharedqueue_test_total", Help: "test"})
	reg, err := NewRegistry(extra)
	require.NoError(t, err)

	extra.Inc()
	RecordHTTPMetrics(http.MethodGet, "/jobs/:id", http.StatusOK, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "sharedqueue_test_total 1"))
	assert.True(t, strings.Contains(text, `sharedqueue_http_requests_total{method="GET",route="/jobs/:id",status="200"}`))
	assert.True(t, strings.Contains(text, "go_goroutines"))
}

func TestRegistry_RejectsDuplicateCollector(t *testing.T) {
	extra := prometheus.NewCounter(prometheus.CounterOpts{Name: "sharedqueue_dup_total", Help: "test"})
	_, err := NewRegistry(extra, extra)
	assert.Error(t, err)
}
