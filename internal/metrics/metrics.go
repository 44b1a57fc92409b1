package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all Prometheus metrics for the conductor service
type Metrics struct {
	// Telemetry hub metrics
	HubBroadcasts  *prometheus.CounterVec
	HubDropped     *prometheus.CounterVec
	HubSubscribers *prometheus.GaugeVec

	// Ingestion metrics
	EventsIngested *prometheus.CounterVec
	IngestErrors   *prometheus.CounterVec
	IngestDuration *prometheus.HistogramVec

	// Database metrics
	DBQueries     *prometheus.CounterVec
	DBDuration    *prometheus.HistogramVec
	DBConnections *prometheus.GaugeVec

	// GraphQL metrics
	GraphQLQueries  *prometheus.CounterVec
	GraphQLDuration *prometheus.HistogramVec
}
