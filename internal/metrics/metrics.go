// Package metrics exposes the daemon's Prometheus collectors on a private
// registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	scanTicks    *prometheus.CounterVec
	scanDuration prometheus.Histogram
	signals      *prometheus.CounterVec
	decisions    *prometheus.CounterVec
	orders       *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	thresholds   *prometheus.GaugeVec
	breaker      *prometheus.GaugeVec
	equity       *prometheus.GaugeVec
	openTrades   prometheus.Gauge
	quarantined  prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scanTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxpilot_scan_ticks_total",
			Help: "Scan ticks by result (ok, failed, skipped)",
		}, []string{"result"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fxpilot_scan_duration_seconds",
			Help:    "Wall time of one scan tick",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxpilot_signals_total",
			Help: "Signals by strategy and outcome (passed, dropped)",
		}, []string{"strategy", "outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxpilot_risk_decisions_total",
			Help: "Risk decisions by reason; approved decisions use APPROVED",
		}, []string{"account", "reason"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxpilot_orders_total",
			Help: "Order submissions by account and result",
		}, []string{"account", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxpilot_protection_transitions_total",
			Help: "Protection state transitions by target state",
		}, []string{"to"}),
		thresholds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fxpilot_quality_threshold",
			Help: "Active quality threshold per strategy",
		}, []string{"strategy"}),
		breaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fxpilot_circuit_breaker_tripped",
			Help: "1 while an account's drawdown breaker is tripped",
		}, []string{"account"}),
		equity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fxpilot_account_equity",
			Help: "Last observed account equity",
		}, []string{"account"}),
		openTrades: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fxpilot_open_trades",
			Help: "Open trades under automation",
		}),
		quarantined: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fxpilot_quarantined_trades",
			Help: "Trades excluded from automation",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.scanTicks, m.scanDuration, m.signals, m.decisions, m.orders,
		m.transitions, m.thresholds, m.breaker, m.equity, m.openTrades, m.quarantined,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ScanTick(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.scanTicks.WithLabelValues(result).Inc()
	if d > 0 {
		m.scanDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) Signal(strategy string, passed bool) {
	if m == nil {
		return
	}
	outcome := "dropped"
	if passed {
		outcome = "passed"
	}
	m.signals.WithLabelValues(strategy, outcome).Inc()
}

func (m *Metrics) Decision(account, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "APPROVED"
	}
	m.decisions.WithLabelValues(account, reason).Inc()
}

func (m *Metrics) Order(account, result string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(account, result).Inc()
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) Threshold(strategy string, v float64) {
	if m == nil {
		return
	}
	m.thresholds.WithLabelValues(strategy).Set(v)
}

func (m *Metrics) Breaker(account string, tripped bool) {
	if m == nil {
		return
	}
	v := 0.0
	if tripped {
		v = 1
	}
	m.breaker.WithLabelValues(account).Set(v)
}

func (m *Metrics) Equity(account string, v float64) {
	if m == nil {
		return
	}
	m.equity.WithLabelValues(account).Set(v)
}

func (m *Metrics) Book(open, quarantined int) {
	if m == nil {
		return
	}
	m.openTrades.Set(float64(open))
	m.quarantined.Set(float64(quarantined))
}
