package observability

import (
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics

	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics
)

// EngineMetrics captures the collateralized-debt engine's activity.
type EngineMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	badDebt      prometheus.Counter
	liquidations *prometheus.CounterVec
	shutdown     prometheus.Gauge
	healthChecks *prometheus.CounterVec
}

// Engine returns the lazily-initialised engine metrics registry.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "usq",
				Subsystem: "cdp",
				Name:      "operations_total",
				Help:      "Count of engine operations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "usq",
				Subsystem: "cdp",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			badDebt: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "usq",
				Subsystem: "cdp",
				Name:      "bad_debt_total",
				Help:      "Cumulative unrecoverable debt recognised during liquidation, in whole synthetic units.",
			}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "usq",
				Subsystem: "cdp",
				Name:      "liquidations_total",
				Help:      "Count of executed liquidations segmented by seized collateral.",
			}, []string{"collateral"}),
			shutdown: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "usq",
				Subsystem: "cdp",
				Name:      "shutdown_active",
				Help:      "Indicates whether emergency shutdown is active (1) or not (0).",
			}),
			healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "usq",
				Subsystem: "cdp",
				Name:      "health_factor_checks_total",
				Help:      "Count of health factor gates segmented by result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(
			engineRegistry.operations,
			engineRegistry.latency,
			engineRegistry.badDebt,
			engineRegistry.liquidations,
			engineRegistry.shutdown,
			engineRegistry.healthChecks,
		)
	})
	return engineRegistry
}

// Observe records an engine operation. Outcome is "success" or the error
// classification reported by the engine.
func (m *EngineMetrics) Observe(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	op := labelOr(operation, "unknown")
	m.operations.WithLabelValues(op, labelOr(outcome, "unknown")).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordBadDebt adds a 1e18-scaled shortfall to the bad debt counter.
func (m *EngineMetrics) RecordBadDebt(amount *uint256.Int) {
	if m == nil || amount == nil || amount.IsZero() {
		return
	}
	m.badDebt.Add(WadToFloat(amount))
}

// RecordLiquidation increments the liquidation counter for a collateral.
func (m *EngineMetrics) RecordLiquidation(collateral string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(labelOr(strings.ToLower(collateral), "unknown")).Inc()
}

// SetShutdown toggles the shutdown_active gauge.
func (m *EngineMetrics) SetShutdown(active bool) {
	if m == nil {
		return
	}
	if active {
		m.shutdown.Set(1)
		return
	}
	m.shutdown.Set(0)
}

// RecordHealthCheck counts a health factor gate.
func (m *EngineMetrics) RecordHealthCheck(healthy bool) {
	if m == nil {
		return
	}
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	m.healthChecks.WithLabelValues(result).Inc()
}

type apiMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// API returns the registry recording cdpd HTTP activity.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "usq",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "usq",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "usq",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by the throttle.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(apiRegistry.requests, apiRegistry.latency, apiRegistry.throttles)
	})
	return apiRegistry
}

// Observe records the outcome of an HTTP request. The status should be the
// code ultimately written to the response writer.
func (m *apiMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelOr(route, "unmatched")
	method = labelOr(method, "unknown")
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *apiMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOr(reason, "unspecified")).Inc()
}

// OracleMetrics bundles collectors for the price book.
type OracleMetrics struct {
	updates   *prometheus.CounterVec
	age       *prometheus.GaugeVec
	overrides *prometheus.CounterVec
}

// Oracle returns the metrics registry for the price book.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			updates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "usq",
				Subsystem: "oracle",
				Name:      "price_updates_total",
				Help:      "Count of price submissions segmented by token and outcome.",
			}, []string{"token", "outcome"}),
			age: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "usq",
				Subsystem: "oracle",
				Name:      "price_age_seconds",
				Help:      "Age in seconds of the last accepted price at read time.",
			}, []string{"token"}),
			overrides: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "usq",
				Subsystem: "oracle",
				Name:      "manual_overrides_total",
				Help:      "Count of privileged staleness overrides.",
			}, []string{"token"}),
		}
		prometheus.MustRegister(oracleRegistry.updates, oracleRegistry.age, oracleRegistry.overrides)
	})
	return oracleRegistry
}

// RecordUpdate counts an accepted or rejected price submission.
func (m *OracleMetrics) RecordUpdate(token, outcome string) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(labelOr(strings.ToLower(token), "unknown"), labelOr(outcome, "unknown")).Inc()
}

// RecordAge updates the freshness gauge for a token.
func (m *OracleMetrics) RecordAge(token string, age time.Duration) {
	if m == nil {
		return
	}
	seconds := age.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.age.WithLabelValues(labelOr(strings.ToLower(token), "unknown")).Set(seconds)
}

// RecordOverride counts a manual override.
func (m *OracleMetrics) RecordOverride(token string) {
	if m == nil {
		return
	}
	m.overrides.WithLabelValues(labelOr(strings.ToLower(token), "unknown")).Inc()
}

// WadToFloat converts a 1e18-scaled integer into a float for gauges.
func WadToFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v.ToBig()), big.NewFloat(1e18)).Float64()
	return f
}

func labelOr(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
