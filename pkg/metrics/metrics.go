package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Seal metrics
	SealState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "secrethub_seal_state",
			Help: "Seal state of this node (0 = uninitialized, 1 = sealed, 2 = unsealed)",
		},
	)

	UnsealProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "secrethub_unseal_progress",
			Help: "Distinct shares collected toward the unseal threshold",
		},
	)

	AutoSealsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "secrethub_auto_seals_total",
			Help: "Total number of automatic seals after key inactivity",
		},
	)

	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "secrethub_nodes_total",
			Help: "Total number of cluster nodes by status",
		},
		[]string{"status"},
	)

	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "secrethub_is_leader",
			Help: "Whether this node holds the leader lock (1 = leader)",
		},
	)

	HeartbeatFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "secrethub_heartbeat_failures_total",
			Help: "Total number of failed heartbeat updates",
		},
	)

	// Lock metrics
	LockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secrethub_lock_acquisitions_total",
			Help: "Total lock acquisitions by name and outcome",
		},
		[]string{"lock", "outcome"},
	)

	// Audit metrics
	AuditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secrethub_audit_events_total",
			Help: "Total audit events appended by type",
		},
		[]string{"event_type"},
	)

	AuditWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "secrethub_audit_write_failures_total",
			Help: "Total audit append failures (each fails its triggering operation)",
		},
	)

	AuditChainLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "secrethub_audit_chain_length",
			Help: "Highest audit sequence number observed by this node",
		},
	)

	// Policy metrics
	PolicyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secrethub_policy_decisions_total",
			Help: "Total policy evaluations by verdict",
		},
		[]string{"verdict"},
	)

	PolicyCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secrethub_policy_cache_total",
			Help: "Policy evaluation cache lookups by result",
		},
		[]string{"result"},
	)

	// Secret metrics
	SecretsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "secrethub_secrets_total",
			Help: "Total number of secrets",
		},
	)

	SecretAccessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "secrethub_secret_access_duration_seconds",
			Help:    "End-to-end secret access latency including policy evaluation and audit",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// Lease and rotation metrics
	LeasesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "secrethub_leases_active",
			Help: "Number of live (unrevoked, unexpired) leases",
		},
	)

	LeaseRevocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secrethub_lease_revocations_total",
			Help: "Lease revocations by trigger",
		},
		[]string{"trigger"},
	)

	RotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secrethub_rotations_total",
			Help: "Secret rotation runs by engine and status",
		},
		[]string{"engine", "status"},
	)

	RotationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "secrethub_rotation_duration_seconds",
			Help:    "Wall-clock duration of rotation runs",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"engine"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secrethub_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "secrethub_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		SealState,
		UnsealProgress,
		AutoSealsTotal,
		NodesTotal,
		IsLeader,
		HeartbeatFailures,
		LockAcquisitions,
		AuditEventsTotal,
		AuditWriteFailures,
		AuditChainLength,
		PolicyDecisions,
		PolicyCacheHits,
		SecretsTotal,
		SecretAccessDuration,
		LeasesActive,
		LeaseRevocations,
		RotationsTotal,
		RotationDuration,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
