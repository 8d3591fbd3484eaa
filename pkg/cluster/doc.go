// Package cluster coordinates the active-active replicas of a deployment.
//
// Each process runs one Coordinator. It registers a node record keyed by a
// hostname-plus-random-suffix ID, refreshes it on a heartbeat interval, and
// appends a health sample (CPU, memory, DB latency, seal state) per beat.
// The leader additionally sweeps node records whose last_seen_at is older
// than the node timeout and prunes health history past the retention window.
//
// Two cluster-wide orderings run through the advisory lock layer:
//
//   - CoordinatedInit serializes vault initialization under the init lock.
//     The first node in initializes and receives the shares; every other
//     node sees the persisted vault config and gets ErrAlreadyInitialized.
//
//   - Leader election contends on the session-scoped leader lock. The
//     winner holds it for the life of its DB session and re-confirms
//     possession every check interval; losing the session (crash, network
//     drop) releases the lock server-side and a follower takes over.
//
// Mutual exclusion is guaranteed; liveness across partitions is not, since
// a node cut off from the database cannot win or confirm leadership.
package cluster
