package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.ObserveRequest("GET", "/api/books", 200, 10*time.Millisecond)
	r.ObserveRequest("GET", "/api/books", 200, 10*time.Millisecond)
	r.ObserveRequest("GET", "/api/books/:id", 404, time.Millisecond)
	r.SetRoutes(5)
	r.ObserveGeneration("dynamic", "ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.requests.WithLabelValues("GET", "/api/books", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.requests.WithLabelValues("GET", "/api/books/:id", "404")))
	assert.Equal(t, 5.0, testutil.ToFloat64(r.routes))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.generations.WithLabelValues("dynamic", "ok")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.SetRoutes(3)
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "kebapi_mounted_routes 3")
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.ObserveRequest("GET", "/", 200, time.Second)
	r.SetRoutes(1)
	r.ObserveGeneration("static", "error")
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
