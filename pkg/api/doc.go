// Package api is the node's REST surface.
//
// The /sys routes expose the seal lifecycle and deep health, /cluster/info
// the node roster, and /v1 the admin API: secret CRUD with versions and
// rotation, policy management with dry-run simulation, the audit chain
// (search, verification, CSV export) and lease management. Prometheus
// metrics are served on /metrics.
//
// Errors cross the wire as {error, kind} bodies; the kind strings mirror
// the internal error taxonomy so clients can branch without parsing
// messages. Unseal shares pass through handlers but are never logged and
// never appear in responses after init.
package api
