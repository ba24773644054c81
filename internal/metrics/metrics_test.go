package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	t.Parallel()

	m := New()
	m.ScanTick("ok", 200*time.Millisecond)
	m.ScanTick("skipped", 0)
	m.Signal("trend", true)
	m.Signal("trend", false)
	m.Signal("trend", false)
	m.Decision("acct", "")
	m.Decision("acct", "DAILY_CAP_REACHED")
	m.Order("acct", "filled")
	m.Transition("TRAILING")
	m.Threshold("trend", 68)
	m.Breaker("acct", true)
	m.Equity("acct", 9_500)
	m.Book(3, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.scanTicks.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.signals.WithLabelValues("trend", "dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("acct", "APPROVED")))
	assert.Equal(t, 68.0, testutil.ToFloat64(m.thresholds.WithLabelValues("trend")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breaker.WithLabelValues("acct")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.openTrades))
	assert.Equal(t, 1, testutil.CollectAndCount(m.scanDuration))
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.ScanTick("ok", time.Second)
		m.Signal("trend", true)
		m.Decision("acct", "")
		m.Order("acct", "filled")
		m.Transition("CLOSED")
		m.Threshold("trend", 70)
		m.Breaker("acct", false)
		m.Equity("acct", 1)
		m.Book(0, 0)
	})
}

func TestHandlerServesTextFormat(t *testing.T) {
	t.Parallel()

	m := New()
	m.Order("acct", "filled")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `fxpilot_orders_total{account="acct",result="filled"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
