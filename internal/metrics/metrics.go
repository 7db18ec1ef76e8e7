// Package metrics holds the prometheus collectors shared by the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainlance_rpc_requests_total",
		Help: "Read channel RPC calls, labeled by method and outcome",
	}, []string{"method", "outcome"})

	RPCDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chainlance_rpc_duration_seconds",
		Help:    "Latency of read channel RPC calls including retries",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method"})

	CircuitOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainlance_rpc_circuit_open",
		Help: "1 while the read channel circuit breaker is open",
	})

	TxTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainlance_tx_total",
		Help: "Mutating operations, labeled by operation and outcome kind",
	}, []string{"op", "outcome"})

	TxConfirmDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chainlance_tx_confirm_duration_seconds",
		Help:    "Time from submission to observed confirmation",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"op"})

	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chainlance_sync_duration_seconds",
		Help:    "Duration of synchronizer reads, labeled by view",
		Buckets: prometheus.DefBuckets,
	}, []string{"view"})

	SyncItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chainlance_sync_items",
		Help: "Items in the last synchronized view",
	}, []string{"view"})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainlance_jobs_total",
		Help: "Background refresh jobs, labeled by type and outcome",
	}, []string{"type", "outcome"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainlance_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chainlance_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "route"})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainlance_ws_clients",
		Help: "Connected live feed subscribers",
	})
)
