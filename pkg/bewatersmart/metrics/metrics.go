package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/component-base/metrics"
	"k8s.io/component-base/metrics/legacyregistry"
)

const (
	// Subsystem name used for console metrics
	consoleSubsystem = "bws_console"
)

var (
	// APIRequestDuration measures round trips to the forecasting API
	APIRequestDuration = metrics.NewHistogramVec(
		&metrics.HistogramOpts{
			Subsystem:      consoleSubsystem,
			Name:           "api_request_duration_seconds",
			Help:           "Latency of requests to the forecasting API",
			Buckets:        metrics.ExponentialBuckets(0.005, 2, 16),
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"operation", "result"}, // result: "success", "error"
	)

	// APIRequestsTotal counts requests to the forecasting API by status code
	APIRequestsTotal = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      consoleSubsystem,
			Name:           "api_requests_total",
			Help:           "Number of requests to the forecasting API by operation and status code",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"operation", "code"},
	)

	// CacheLookups counts response cache lookups
	CacheLookups = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      consoleSubsystem,
			Name:           "cache_lookups_total",
			Help:           "Number of response cache lookups by backend and result",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"backend", "result"}, // result: "hit", "miss", "error"
	)

	// ConsoleActions counts user actions and their outcome
	ConsoleActions = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      consoleSubsystem,
			Name:           "actions_total",
			Help:           "Number of console actions by action and outcome",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"action", "outcome"}, // outcome: "success", "alert", "error"
	)

	// ForecastPoints is the size of the last loaded forecast
	ForecastPoints = metrics.NewGauge(
		&metrics.GaugeOpts{
			Subsystem:      consoleSubsystem,
			Name:           "forecast_points",
			Help:           "Number of points in the last loaded forecast",
			StabilityLevel: metrics.ALPHA,
		},
	)

	// SinkWrites counts writes to the side sinks (history, influx, events)
	SinkWrites = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      consoleSubsystem,
			Name:           "sink_writes_total",
			Help:           "Number of writes to history, time-series and event sinks",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"sink", "result"},
	)

	// HTTPRequestDuration is registered raw so promhttp can instrument handlers with it
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bws",
			Subsystem: "console",
			Name:      "http_request_duration_seconds",
			Help:      "Latency of console HTTP requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"code", "method"},
	)
)

func init() {
	legacyregistry.MustRegister(APIRequestDuration)
	legacyregistry.MustRegister(APIRequestsTotal)
	legacyregistry.MustRegister(CacheLookups)
	legacyregistry.MustRegister(ConsoleActions)
	legacyregistry.MustRegister(ForecastPoints)
	legacyregistry.MustRegister(SinkWrites)
	legacyregistry.RawMustRegister(HTTPRequestDuration)
}

// InstrumentHandler records request latency of next
func InstrumentHandler(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(HTTPRequestDuration, next)
}

// Handler serves every registered metric
func Handler() http.Handler {
	return legacyregistry.Handler()
}
