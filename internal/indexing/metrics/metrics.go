// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPCCallsTotal tracks RPC calls per network and endpoint
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlake_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"network", "endpoint", "method"},
	)

	// RPCErrorsTotal tracks RPC errors per network and endpoint
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlake_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"network", "endpoint", "action"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainlake_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"network", "method"},
	)

	RPCCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlake_rpc_cache_hits_total",
			Help: "RPC responses served from cache",
		},
		[]string{"network", "method"},
	)

	// BreakerTransitions counts circuit breaker state changes
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlake_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"breaker", "to"},
	)

	// HeadersPublished tracks block headers published per chain
	HeadersPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlake_headers_published_total",
			Help: "Total number of block headers published to the bus",
		},
		[]string{"chain"},
	)

	// ChainLatestBlock tracks the latest block height seen per chain
	ChainLatestBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainlake_chain_latest_block",
			Help: "Latest block height received from the chain",
		},
		[]string{"chain"},
	)

	TransactionsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlake_transactions_published_total",
			Help: "Raw transactions published per chain",
		},
		[]string{"chain", "vm_type"},
	)

	DecodeResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlake_abi_decode_total",
			Help: "ABI decode outcomes by status",
		},
		[]string{"status"},
	)

	ABICacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlake_abi_cache_lookups_total",
			Help: "ABI lookups by tier and result",
		},
		[]string{"tier", "result"},
	)

	// BufferFlushes counts drained partitions by reason
	BufferFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlake_buffer_flushes_total",
			Help: "Ingestion buffer flushes",
		},
		[]string{"table", "reason"},
	)

	BufferDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlake_buffer_dropped_records_total",
			Help: "Records evicted by the overflow strategy",
		},
		[]string{"table"},
	)

	// BufferBatchesLost counts drained batches that could not be handed off
	BufferBatchesLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlake_buffer_lost_batches_total",
			Help: "Drained batches lost because the output was not accepting",
		},
		[]string{"table"},
	)

	BufferLostRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlake_buffer_lost_records_total",
			Help: "Records in lost batches",
		},
		[]string{"table"},
	)

	// LakeCommits tracks commit outcomes per table
	LakeCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlake_lake_commits_total",
			Help: "Lakehouse batch commits by outcome",
		},
		[]string{"table", "outcome"},
	)

	LakeCommitRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlake_lake_committed_records_total",
			Help: "Records committed to the lakehouse",
		},
		[]string{"table"},
	)

	LakeCommitLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainlake_lake_commit_latency_seconds",
			Help:    "Latency of lakehouse commits",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlake_gateway_requests_total",
			Help: "Gateway requests by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	// SchedulePublished counts schedule fire events
	SchedulePublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlake_schedule_published_total",
			Help: "Alert schedule fire events published",
		},
		[]string{"trigger_type"},
	)

	ScheduleIndexSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainlake_schedule_index_size",
			Help: "Members in the schedule sorted sets",
		},
		[]string{"trigger_type"},
	)

	// NotificationsTotal counts notification attempts by channel and outcome
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlake_notifications_total",
			Help: "Notification deliveries by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	NotificationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainlake_notification_latency_seconds",
			Help:    "Notification send latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)
)
