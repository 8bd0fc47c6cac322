/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry holds the Prometheus metric surface and the
// OpenTelemetry tracing bootstrap shared by every component.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIRequestDuration tracks HTTP latency per route and status.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tandem_api_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status_code"})

	// APIRequestsTotal counts HTTP requests per route and status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_api_requests_total",
		Help: "Total HTTP requests handled.",
	}, []string{"method", "endpoint", "status_code"})

	// APIActiveConnections is the number of in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_api_active_connections",
		Help: "HTTP requests currently being served.",
	})

	// ActiveGroups is the number of active groups in the hot store.
	ActiveGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_groups_active",
		Help: "Active group sessions held in memory.",
	})

	// ConnectedSockets is the number of live websocket connections.
	ConnectedSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_sockets_connected",
		Help: "Websocket connections currently attached.",
	})

	// ReadyGateOutcomes counts how ready-gate barriers resolved.
	ReadyGateOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_ready_gate_outcomes_total",
		Help: "Ready gate resolutions by outcome.",
	}, []string{"outcome"})

	// GroupLifecycleEvents counts group lifecycle bus events by type.
	GroupLifecycleEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_group_lifecycle_events_total",
		Help: "Group lifecycle events observed on the in-process bus.",
	}, []string{"event"})

	// GroupFlushes counts dirty-group persistence flushes.
	GroupFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tandem_group_flushes_total",
		Help: "Group snapshots flushed to the database.",
	})

	// DatabaseQueryDuration tracks database latency per operation/table.
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tandem_database_query_duration_seconds",
		Help:    "Database operation duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// DatabaseErrorsTotal counts failed database operations.
	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_database_errors_total",
		Help: "Database operation failures.",
	}, []string{"operation", "kind"})

	// DatabaseConnectionsActive is the open connection count.
	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_database_connections_active",
		Help: "Open database connections.",
	})

	// ClusterMessagesPublished counts snapshots sent to peers.
	ClusterMessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tandem_cluster_messages_published_total",
		Help: "Snapshot messages published to the cluster channel.",
	})

	// ClusterMessagesApplied counts peer snapshots handed to the store.
	ClusterMessagesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tandem_cluster_messages_applied_total",
		Help: "Peer snapshots accepted and applied locally.",
	})

	// ClusterMessagesDiscarded counts rejected peer messages by reason.
	ClusterMessagesDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_cluster_messages_discarded_total",
		Help: "Peer messages discarded during validation.",
	}, []string{"reason"})
)

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
