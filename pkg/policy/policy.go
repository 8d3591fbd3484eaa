package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/secrethub/secrethub/pkg/log"
	"github.com/secrethub/secrethub/pkg/metrics"
	"github.com/secrethub/secrethub/pkg/types"
)

// Request is the access context a policy is evaluated against.
type Request struct {
	EntityID     string          `json:"entity_id"`
	SecretPath   string          `json:"secret_path"`
	Operation    types.Operation `json:"operation"`
	IPAddress    string          `json:"ip_address,omitempty"`
	Timestamp    time.Time       `json:"timestamp,omitempty"`
	RequestedTTL time.Duration   `json:"requested_ttl,omitempty"`
	// CorrelationID ties the evaluation's audit events to the request
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (r Request) at() time.Time {
	if r.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return r.Timestamp
}

// Decision is the outcome of evaluating one or more policies.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
	Policy string `json:"policy,omitempty"`
}

// CheckResult is one pipeline step in a simulation trace.
type CheckResult struct {
	Check  string `json:"check"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason"`
}

// Store is the subset of the storage layer the evaluator needs.
type Store interface {
	ListPoliciesForEntity(ctx context.Context, entityID string) ([]*types.Policy, error)
}

// Evaluator runs the fixed check pipeline over policies. Evaluation is a
// pure function of (policy, request); the optional cache memoizes verdicts
// for a short TTL.
type Evaluator struct {
	store  Store
	cache  Cache
	logger zerolog.Logger
}

// NewEvaluator creates an evaluator. cache may be nil to disable
// memoization.
func NewEvaluator(store Store, cache Cache) *Evaluator {
	return &Evaluator{
		store:  store,
		cache:  cache,
		logger: log.WithComponent("policy"),
	}
}

// pipeline is the fixed check order. Stable ordering keeps simulation
// traces and cached verdicts deterministic.
var pipeline = []struct {
	name string
	run  func(p *types.Policy, req Request) (bool, string)
}{
	{"entity_binding", checkEntityBinding},
	{"path_match", checkPathMatch},
	{"operation", checkOperation},
	{"time", checkTime},
	{"ip", checkIP},
	{"ttl", checkTTL},
}

// Evaluate runs one policy against a request. A deny policy inverts the
// verdict: a full pipeline match means deny, any failed check means the
// policy does not apply and the verdict is allow.
func (e *Evaluator) Evaluate(p *types.Policy, req Request) Decision {
	if e.cache != nil {
		key := cacheKey(p, req)
		if d, ok := e.cache.Get(key); ok {
			metrics.PolicyCacheHits.WithLabelValues("hit").Inc()
			return d
		}
		metrics.PolicyCacheHits.WithLabelValues("miss").Inc()
		d := evaluate(p, req)
		e.cache.Set(key, d)
		e.count(d)
		return d
	}
	d := evaluate(p, req)
	e.count(d)
	return d
}

func (e *Evaluator) count(d Decision) {
	verdict := "deny"
	if d.Allow {
		verdict = "allow"
	}
	metrics.PolicyDecisions.WithLabelValues(verdict).Inc()
}

func evaluate(p *types.Policy, req Request) Decision {
	for _, step := range pipeline {
		pass, reason := step.run(p, req)
		if !pass {
			if p.Deny {
				// The deny policy does not apply; it expresses no opinion.
				return Decision{Allow: true, Reason: fmt.Sprintf("deny policy not matched: %s", reason), Policy: p.Name}
			}
			return Decision{Allow: false, Reason: reason, Policy: p.Name}
		}
	}
	if p.Deny {
		return Decision{Allow: false, Reason: "matched explicit deny policy", Policy: p.Name}
	}
	return Decision{Allow: true, Reason: "all checks passed", Policy: p.Name}
}

// Simulate returns the full step-by-step trace for one policy. All steps
// run even after a failure, so operators see every check's outcome.
func (e *Evaluator) Simulate(p *types.Policy, req Request) ([]CheckResult, Decision) {
	trace := make([]CheckResult, 0, len(pipeline))
	for _, step := range pipeline {
		pass, reason := step.run(p, req)
		trace = append(trace, CheckResult{Check: step.name, Pass: pass, Reason: reason})
	}
	return trace, evaluate(p, req)
}

// EvaluateAccess computes the final verdict across every policy that
// applies to the request's entity. Any matching deny policy overrides any
// allow; with no applicable policies the verdict is deny.
func (e *Evaluator) EvaluateAccess(ctx context.Context, req Request) (Decision, error) {
	policies, err := e.store.ListPoliciesForEntity(ctx, req.EntityID)
	if err != nil {
		return Decision{}, fmt.Errorf("loading policies for entity %q: %w", req.EntityID, err)
	}

	var allowed *Decision
	for _, p := range policies {
		d := e.Evaluate(p, req)
		if p.Deny {
			if !d.Allow {
				// Explicit deny overrides any allow.
				return d, nil
			}
			continue
		}
		if d.Allow && allowed == nil {
			allowed = &d
		}
	}
	if allowed != nil {
		return *allowed, nil
	}
	return Decision{Allow: false, Reason: "no policy allows access"}, nil
}

func checkEntityBinding(p *types.Policy, req Request) (bool, string) {
	if len(p.EntityBindings) == 0 {
		return true, "policy applies to all entities"
	}
	for _, id := range p.EntityBindings {
		if id == req.EntityID {
			return true, "entity is bound to policy"
		}
	}
	return false, "entity is not bound to policy"
}

func checkPathMatch(p *types.Policy, req Request) (bool, string) {
	for _, pattern := range p.Document.AllowedSecrets {
		if MatchGlob(pattern, req.SecretPath) {
			return true, fmt.Sprintf("path matches %q", pattern)
		}
	}
	return false, "no allowed_secrets pattern matches path"
}

func checkOperation(p *types.Policy, req Request) (bool, string) {
	ops := p.Document.AllowedOperations
	if len(ops) == 0 {
		ops = []types.Operation{types.OperationRead}
	}
	for _, op := range ops {
		if op == req.Operation {
			return true, fmt.Sprintf("operation %q allowed", req.Operation)
		}
	}
	return false, fmt.Sprintf("operation %q not in allowed_operations", req.Operation)
}

func checkTime(p *types.Policy, req Request) (bool, string) {
	conds := p.Document.Conditions
	at := req.at()

	if spec := conditionString(conds[condTimeOfDay]); spec != "" {
		ok, err := checkTimeOfDay(spec, at)
		if err != nil {
			return false, err.Error()
		}
		if !ok {
			return false, fmt.Sprintf("outside time_of_day window %q", spec)
		}
	}
	if days := conditionStrings(conds[condDaysOfWeek]); len(days) > 0 {
		ok, err := checkDaysOfWeek(days, at)
		if err != nil {
			return false, err.Error()
		}
		if !ok {
			return false, "outside days_of_week"
		}
	}
	if spec := conditionString(conds[condDateRange]); spec != "" {
		ok, err := checkDateRange(spec, at)
		if err != nil {
			return false, err.Error()
		}
		if !ok {
			return false, fmt.Sprintf("outside date_range %q", spec)
		}
	}
	return true, "time conditions satisfied"
}

func checkIP(p *types.Policy, req Request) (bool, string) {
	ranges := conditionStrings(p.Document.Conditions[condIPRanges])
	if len(ranges) == 0 {
		return true, "no ip restriction"
	}
	if req.IPAddress == "" {
		return false, "ip_ranges set but request carries no ip address"
	}
	ok, err := ipInRanges(req.IPAddress, ranges)
	if err != nil {
		return false, err.Error()
	}
	if !ok {
		return false, fmt.Sprintf("ip %s not in allowed ranges", req.IPAddress)
	}
	return true, "ip in allowed range"
}

func checkTTL(p *types.Policy, req Request) (bool, string) {
	if p.MaxTTLSeconds <= 0 || req.RequestedTTL <= 0 {
		return true, "no ttl constraint"
	}
	if req.RequestedTTL > time.Duration(p.MaxTTLSeconds)*time.Second {
		return false, fmt.Sprintf("requested ttl %s exceeds max %ds", req.RequestedTTL, p.MaxTTLSeconds)
	}
	return true, "ttl within limit"
}

// ValidateDocument checks a policy document on write. Bad globs cannot be
// detected (every string is a valid pattern), but conditions with malformed
// specs are rejected up front.
func ValidateDocument(doc *types.PolicyDocument) error {
	if len(doc.AllowedSecrets) == 0 {
		return fmt.Errorf("allowed_secrets must not be empty")
	}
	for _, op := range doc.AllowedOperations {
		switch op {
		case types.OperationRead, types.OperationWrite, types.OperationDelete, types.OperationList, types.OperationRotate:
		default:
			return fmt.Errorf("unknown operation %q", op)
		}
	}
	probe := time.Now().UTC()
	if spec := conditionString(doc.Conditions[condTimeOfDay]); spec != "" {
		if _, err := checkTimeOfDay(spec, probe); err != nil {
			return err
		}
	}
	if days := conditionStrings(doc.Conditions[condDaysOfWeek]); len(days) > 0 {
		if _, err := checkDaysOfWeek(days, probe); err != nil {
			return err
		}
	}
	if spec := conditionString(doc.Conditions[condDateRange]); spec != "" {
		if _, err := checkDateRange(spec, probe); err != nil {
			return err
		}
	}
	for _, r := range conditionStrings(doc.Conditions[condIPRanges]) {
		if _, err := parsePrefixOrAddr(r); err != nil {
			return err
		}
	}
	return nil
}
