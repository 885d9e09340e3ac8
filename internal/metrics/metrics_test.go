package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CacheHit()
	m.DownloadAttempt(nil)
	m.DownloadAttempt(errors.New("reset"))
	m.DownloadAttempt(errors.New("reset"))
	m.Downloaded(512)
	m.Lifecycle("start", nil)
	m.SetRunning(2)
	m.IdentityCreated()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DownloadAttempts.WithLabelValues(ResultSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DownloadAttempts.WithLabelValues(ResultFailure)))
	assert.Equal(t, 512.0, testutil.ToFloat64(m.DownloadedBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LifecycleOps.WithLabelValues("start", ResultSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RunningInstances))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdentitiesCreated))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheHit()
		m.DownloadAttempt(nil)
		m.Downloaded(1)
		m.Lifecycle("stop", nil)
		m.SetRunning(0)
		m.IdentityCreated()
	})
}

func TestServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.CacheHit()

	srv := NewServer("127.0.0.1:0", reg)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "macbox_artifact_cache_hits_total 1")
	assert.Equal(t, "http://127.0.0.1:0/metrics", Describe(srv))
}
