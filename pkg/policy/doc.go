// Package policy evaluates access policies against request contexts.
//
// A policy is a glob list of reachable secret paths, a set of allowed
// operations, and optional conditions (time-of-day window, weekdays, date
// range, CIDR source ranges, maximum TTL). Evaluation runs a fixed check
// pipeline; the first failing check denies. A policy flagged deny inverts
// the verdict: a full pipeline match means explicit deny, which overrides
// any allow from other policies during access evaluation. When no policy
// applies at all, access is denied.
//
// Glob patterns treat `.` as a segment separator, `*` as exactly one
// segment, and `**` as any number of segments including zero; patterns are
// anchored at both ends.
//
// Unknown condition keys are skipped rather than failing the check, so
// documents written against newer evaluators stay usable.
//
// Verdicts can be memoized for a short TTL in a process-local map or in
// Redis shared across nodes. Keys include the policy's UpdatedAt, so edits
// take effect immediately, and fold in the source IP or evaluation minute
// when the policy depends on them.
//
// Simulate returns the full per-check trace for debugging a policy against
// a hypothetical request.
package policy
