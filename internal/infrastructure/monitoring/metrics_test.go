package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

func TestObserveTransaction(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveTransaction("test.IEcho", 1, status.Ok, 2*time.Millisecond)
	m.ObserveTransaction("test.IEcho", 1, status.Ok, 4*time.Millisecond)
	m.ObserveTransaction("test.IEcho", 2, status.BadValue, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TransactionsTotal.WithLabelValues("test.IEcho", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransactionsTotal.WithLabelValues("test.IEcho", "BAD_VALUE")))

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.Transactions)
	assert.Equal(t, int64(1), snap.Failures)
	assert.InDelta(t, 7.0/3, snap.AvgLatencyMs, 0.01)
}

func TestLifecycleGauges(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.NodeCreated()
	m.NodeCreated()
	m.NodeDestroyed()
	m.DeathDelivered()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.FrameDropped("rate_limited")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.NodesLive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.NodesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeathsReported))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues("rate_limited")))

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.LiveNodes)
	assert.Equal(t, int64(1), snap.ActiveSessions)
	assert.Equal(t, int64(1), snap.DroppedFrames)
}

func TestRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.NodeCreated()
	router := Router(m, reg)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "binder_nodes_live 1"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var snap Snapshot
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(1), snap.LiveNodes)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/metrics", "200")))
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	router := Router(m, reg, RateLimit(1, 1))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/stats", "429")))
}
