// Registers:
//
//	#TradePulse_hub_sessions
//	#TradePulse_broadcasts_total
//	#TradePulse_link_reconnects_total
//	#go_* and process_* system metrics
//
// Exposes them on :2112/metrics using Prometheus HTTP handler
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once            sync.Once
	hubSessions     prometheus.Gauge
	broadcasts      *prometheus.CounterVec
	broadcastFails  *prometheus.CounterVec
	linkReconnects  *prometheus.CounterVec
	eventsEmitted   *prometheus.CounterVec
	metricEmissions *prometheus.CounterVec
)

func Init() {
	once.Do(func() {
		hubSessions = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "TradePulse_hub_sessions",
				Help: "Number of registered hub sessions",
			},
		)

		broadcasts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "TradePulse_broadcasts_total",
				Help: "Number of broadcast deliveries attempted per channel",
			},
			[]string{"channel"},
		)

		broadcastFails = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "TradePulse_broadcast_errors_total",
				Help: "Number of failed broadcast deliveries per channel",
			},
			[]string{"channel"},
		)

		linkReconnects = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "TradePulse_link_reconnects_total",
				Help: "Number of scheduled exchange link reconnect attempts",
			},
			[]string{"exchange"},
		)

		eventsEmitted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "TradePulse_events_normalized_total",
				Help: "Number of normalized market events emitted",
			},
			[]string{"kind"},
		)

		metricEmissions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "TradePulse_metric_emissions_total",
				Help: "Number of structured metric events emitted per component and name",
			},
			[]string{"component", "metric"},
		)

		_ = prometheus.Register(hubSessions)
		_ = prometheus.Register(broadcasts)
		_ = prometheus.Register(broadcastFails)
		_ = prometheus.Register(linkReconnects)
		_ = prometheus.Register(eventsEmitted)
		_ = prometheus.Register(metricEmissions)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		// Structured metric events flow to the Prometheus surface
		// through the handler registry.
		RegisterMetricHandler(func(m Metric) {
			metricEmissions.WithLabelValues(m.Component, m.Name).Inc()
		})

		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe("0.0.0.0:2112", nil); err != nil {
				panic("metrics server failed: " + err.Error())
			}
		}()
	})
}

// SetHubSessions records the current number of registered hub sessions.
func SetHubSessions(n int) {
	if hubSessions != nil {
		hubSessions.Set(float64(n))
	}
}

// IncrementBroadcast increases the delivery counter for a channel.
func IncrementBroadcast(channel string) {
	if broadcasts != nil {
		broadcasts.WithLabelValues(channel).Inc()
	}
}

// IncrementBroadcastError increases the failed-delivery counter for a channel.
func IncrementBroadcastError(channel string) {
	if broadcastFails != nil {
		broadcastFails.WithLabelValues(channel).Inc()
	}
}

// IncrementLinkReconnect increases the reconnect counter for an exchange.
func IncrementLinkReconnect(exchange string) {
	if linkReconnects != nil {
		linkReconnects.WithLabelValues(exchange).Inc()
	}
}

// IncrementEvent increases the normalized-event counter for a kind.
func IncrementEvent(kind string) {
	if eventsEmitted != nil {
		eventsEmitted.WithLabelValues(kind).Inc()
	}
}
