package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/secrethub/secrethub/pkg/policy"
	"github.com/secrethub/secrethub/pkg/types"
)

type policyRequest struct {
	Name           string               `json:"name"`
	Description    string               `json:"description"`
	Deny           bool                 `json:"deny"`
	Document       types.PolicyDocument `json:"document"`
	EntityBindings []string             `json:"entity_bindings"`
	MaxTTLSeconds  int64                `json:"max_ttl_seconds"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "policy name is required")
		return
	}
	if err := policy.ValidateDocument(&req.Document); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	p := &types.Policy{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Description:    req.Description,
		Deny:           req.Deny,
		Document:       req.Document,
		EntityBindings: req.EntityBindings,
		MaxTTLSeconds:  req.MaxTTLSeconds,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := s.deps.Store.CreatePolicy(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	s.auditPolicyEvent(r, types.EventPolicyCreated, p)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.deps.Store.ListPolicies(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Store.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := policy.ValidateDocument(&req.Document); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	p, err := s.deps.Store.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Name != "" {
		p.Name = req.Name
	}
	p.Description = req.Description
	p.Deny = req.Deny
	p.Document = req.Document
	p.EntityBindings = req.EntityBindings
	p.MaxTTLSeconds = req.MaxTTLSeconds
	p.UpdatedAt = time.Now().UTC()

	if err := s.deps.Store.UpdatePolicy(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	s.auditPolicyEvent(r, types.EventPolicyUpdated, p)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.deps.Store.GetPolicy(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.DeletePolicy(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.auditPolicyEvent(r, types.EventPolicyDeleted, p)
	w.WriteHeader(http.StatusNoContent)
}

type simulateResponse struct {
	Decision policy.Decision      `json:"decision"`
	Checks   []policy.CheckResult `json:"checks"`
}

// handleSimulatePolicy dry-runs a policy against a hypothetical request.
// Every pipeline step reports its verdict even after the first failure.
func (s *Server) handleSimulatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policy.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.deps.Store.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	checks, decision := s.deps.Evaluator.Simulate(p, req)
	writeJSON(w, http.StatusOK, simulateResponse{Decision: decision, Checks: checks})
}

func (s *Server) auditPolicyEvent(r *http.Request, eventType types.EventType, p *types.Policy) {
	if s.deps.Audit == nil {
		return
	}
	event := &types.AuditEvent{
		EventType:     eventType,
		ActorType:     types.ActorAdmin,
		ActorID:       actor(r),
		PolicyMatched: p.Name,
		SourceIP:      r.RemoteAddr,
	}
	if err := s.deps.Audit.Log(r.Context(), event); err != nil {
		s.logger.Error().Err(err).Str("policy", p.Name).Msg("policy audit write failed")
	}
}
