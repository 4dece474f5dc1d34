package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.PipelineOutcome("location", "success")
	m.PipelineOutcome("location", "success")
	m.PipelineOutcome("photo", "failure")
	m.CouponEvent("issued")
	m.SessionRejected("session_expired")
	m.JudgeObserved("blip", 120*time.Millisecond, nil)
	m.JudgeObserved("clip", time.Second, errors.New("timeout"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("location", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("photo", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.couponEvents.WithLabelValues("issued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionRejects.WithLabelValues("session_expired")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.judgeFailures.WithLabelValues("blip")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.judgeFailures.WithLabelValues("clip")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.judgeLatency))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.PipelineOutcome("location", "success")
		m.JudgeObserved("blip", time.Second, nil)
		m.CouponEvent("redeemed")
		m.SessionRejected("session_not_found")
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.CouponEvent("redeemed")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `mission_coupon_events_total{event="redeemed"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
