package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/secrethub/secrethub/pkg/policy"
	"github.com/secrethub/secrethub/pkg/secrets"
	"github.com/secrethub/secrethub/pkg/storage"
	"github.com/secrethub/secrethub/pkg/types"
)

func (s *Server) handleCreateSecret(w http.ResponseWriter, r *http.Request) {
	var req secrets.CreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	secret, err := s.deps.Secrets.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, secret)
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	filter := storage.SecretFilter{
		Type:       types.SecretType(r.URL.Query().Get("type")),
		PathPrefix: r.URL.Query().Get("prefix"),
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
	}
	list, err := s.deps.Secrets.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": list})
}

func (s *Server) handleSecretStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Secrets.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	secret, err := s.deps.Store.GetSecret(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, secret)
}

// handleReadData is the policy-gated plaintext read. The caller identifies
// itself with X-Entity-ID; the source IP comes from the connection (or the
// proxy headers RealIP trusts).
func (s *Server) handleReadData(w http.ResponseWriter, r *http.Request) {
	entityID := r.Header.Get("X-Entity-ID")
	if entityID == "" {
		writeBadRequest(w, "X-Entity-ID header is required")
		return
	}
	path := chi.URLParam(r, "path")

	req := policy.Request{
		Operation:     types.OperationRead,
		IPAddress:     r.RemoteAddr,
		CorrelationID: middleware.GetReqID(r.Context()),
	}
	if ttl := queryInt(r, "ttl_seconds", 0); ttl > 0 {
		req.RequestedTTL = time.Duration(ttl) * time.Second
	}

	data, secret, err := s.deps.Secrets.ReadForEntity(r.Context(), entityID, path, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    secret.Path,
		"version": secret.Version,
		"data":    data,
	})
}

func (s *Server) handleUpdateSecret(w http.ResponseWriter, r *http.Request) {
	var req secrets.UpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	secret, err := s.deps.Secrets.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, secret)
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Secrets.Delete(r.Context(), chi.URLParam(r, "id"), actor(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Secrets.ListVersions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

type rollbackRequest struct {
	Version int `json:"version"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	secret, err := s.deps.Secrets.Rollback(r.Context(), chi.URLParam(r, "id"), req.Version, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, secret)
}

func (s *Server) handleCompareVersions(w http.ResponseWriter, r *http.Request) {
	a := queryInt(r, "from", 0)
	b := queryInt(r, "to", 0)
	if a == 0 || b == 0 {
		writeBadRequest(w, "from and to version numbers are required")
		return
	}
	diff, err := s.deps.Secrets.CompareVersions(r.Context(), chi.URLParam(r, "id"), a, b)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

type pruneRequest struct {
	KeepLast int `json:"keep_last"`
	KeepDays int `json:"keep_days"`
}

func (s *Server) handlePruneVersions(w http.ResponseWriter, r *http.Request) {
	var req pruneRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pruned, err := s.deps.Secrets.PruneVersions(r.Context(), chi.URLParam(r, "id"), req.KeepLast, req.KeepDays)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"pruned": pruned})
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rotation == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "rotation is not configured"})
		return
	}
	rec, err := s.deps.Rotation.Rotate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if rec != nil {
			writeJSON(w, http.StatusBadGateway, rec)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRotateRollback(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rotation == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "rotation is not configured"})
		return
	}
	rec, err := s.deps.Rotation.Rollback(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRotationHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rotation == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "rotation is not configured"})
		return
	}
	history, err := s.deps.Rotation.History(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rotations": history})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func actor(r *http.Request) string {
	if id := r.Header.Get("X-Entity-ID"); id != "" {
		return id
	}
	return "admin"
}
