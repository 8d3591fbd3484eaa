/*
Package metrics exposes Prometheus instrumentation for SecretHub.

Collectors are package-level and registered in init; callers use them
directly (metrics.SealState.Set(2), metrics.PolicyDecisions.WithLabelValues
("deny").Inc()). Handler() serves the standard /metrics endpoint mounted by
pkg/api.

Metric families cover the seal state machine, cluster membership and leader
election, advisory lock acquisition outcomes, the audit chain, policy
decisions and cache effectiveness, secret access latency, and the HTTP API.
Label values stay low-cardinality: no secret paths, entity IDs, or any
request-derived strings.
*/
package metrics
