package api

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/secrethub/secrethub/pkg/lease"
)

type issueLeaseRequest struct {
	SecretID   string `json:"secret_id"`
	EntityID   string `json:"entity_id"`
	Engine     string `json:"engine"`
	Ciphertext string `json:"ciphertext"` // base64
	TTLSeconds int64  `json:"ttl_seconds"`
}

func (s *Server) handleIssueLease(w http.ResponseWriter, r *http.Request) {
	if s.deps.Leases == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "leasing is not configured"})
		return
	}
	var req issueLeaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil {
		writeBadRequest(w, "ciphertext must be base64")
		return
	}
	l, err := s.deps.Leases.Issue(r.Context(), lease.IssueRequest{
		SecretID:   req.SecretID,
		EntityID:   req.EntityID,
		Engine:     req.Engine,
		Ciphertext: ciphertext,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) handleGetLease(w http.ResponseWriter, r *http.Request) {
	if s.deps.Leases == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "leasing is not configured"})
		return
	}
	l, err := s.deps.Leases.Lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type renewLeaseRequest struct {
	TTLSeconds int64 `json:"ttl_seconds"`
}

func (s *Server) handleRenewLease(w http.ResponseWriter, r *http.Request) {
	if s.deps.Leases == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "leasing is not configured"})
		return
	}
	var req renewLeaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	l, err := s.deps.Leases.Renew(r.Context(), chi.URLParam(r, "id"), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleRevokeLease(w http.ResponseWriter, r *http.Request) {
	if s.deps.Leases == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "leasing is not configured"})
		return
	}
	if err := s.deps.Leases.Revoke(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
