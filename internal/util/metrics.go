package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MutationsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_mutations_enqueued_total",
		Help: "Total number of mutations appended to the sync queue",
	}, []string{"type", "action"})

	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_deliveries_total",
		Help: "Total number of queue entry delivery attempts by outcome",
	}, []string{"outcome"})

	DeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_delivery_latency_seconds",
		Help:    "Latency of individual remote delivery attempts",
		Buckets: prometheus.DefBuckets,
	})

	DrainPassLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_drain_pass_latency_seconds",
		Help:    "Latency of full drain passes",
		Buckets: prometheus.DefBuckets,
	})

	QueuePendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_queue_pending",
		Help: "Queue entries awaiting delivery",
	})

	QueueFailedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_queue_failed",
		Help: "Queue entries in terminal failed state",
	})

	EntriesCollapsedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_entries_collapsed_total",
		Help: "Superseded queue entries collapsed before delivery",
	})

	EntriesRevivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_entries_revived_total",
		Help: "Stale in-flight entries revived to pending at startup",
	})

	ConnectivityTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connectivity_transitions_total",
		Help: "Debounced online/offline transitions observed",
	})

	ForceSyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_force_total",
		Help: "Force-sync requests by outcome",
	}, []string{"outcome"})

	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pos_orders_created_total",
		Help: "Total number of orders created at this terminal",
	})

	TicketsParkedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pos_tickets_parked_total",
		Help: "Total number of tickets parked at this terminal",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
