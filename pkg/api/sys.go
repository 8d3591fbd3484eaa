package api

import (
	"net/http"
	"time"

	"github.com/secrethub/secrethub/pkg/seal"
	"github.com/secrethub/secrethub/pkg/types"
)

type initRequest struct {
	TotalShares int `json:"total_shares"`
	Threshold   int `json:"threshold"`
}

type initResponse struct {
	Shares      []string `json:"shares"`
	Threshold   int      `json:"threshold"`
	TotalShares int      `json:"total_shares"`
	Progress    int      `json:"progress"`
}

// handleInit initializes the vault. Shares appear in this response exactly
// once and are never persisted or logged.
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Threshold < 1 || req.TotalShares < req.Threshold || req.TotalShares > 256 {
		writeBadRequest(w, "want 1 <= threshold <= total_shares <= 256")
		return
	}

	var (
		result *seal.InitResult
		err    error
	)
	if s.deps.Coordinator != nil {
		result, err = s.deps.Coordinator.CoordinatedInit(r.Context(), req.Threshold, req.TotalShares)
	} else {
		result, err = s.deps.Seal.Initialize(r.Context(), req.Threshold, req.TotalShares)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	resp := initResponse{
		Shares:      result.Shares,
		Threshold:   result.Threshold,
		TotalShares: result.TotalShares,
	}
	// A fresh vault is sealed with no shares submitted yet.
	if status, err := s.deps.Seal.Status(r.Context()); err == nil {
		resp.Progress = status.Progress
	}
	writeJSON(w, http.StatusOK, resp)
}

type unsealRequest struct {
	Share string `json:"share"`
}

func (s *Server) handleUnseal(w http.ResponseWriter, r *http.Request) {
	var req unsealRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Share == "" {
		writeBadRequest(w, "share is required")
		return
	}
	status, err := s.deps.Seal.SubmitShare(r.Context(), req.Share)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSeal(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Seal.Seal(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSealStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Seal.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type healthResponse struct {
	Status      string            `json:"status"`
	Initialized bool              `json:"initialized"`
	Sealed      bool              `json:"sealed"`
	Checks      map[string]string `json:"checks"`
	Version     string            `json:"version"`
}

// handleHealth reports the node's deep health: seal state plus dependency
// probes. A sealed node is degraded, not down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Seal.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	checks := map[string]string{}
	overall := "ok"
	httpStatus := http.StatusOK

	if err := s.deps.Store.Ping(r.Context()); err != nil {
		checks["database"] = "failed"
		overall = "down"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if status.Sealed && overall == "ok" {
		overall = "degraded"
	}

	writeJSON(w, httpStatus, healthResponse{
		Status:      overall,
		Initialized: status.Initialized,
		Sealed:      status.Sealed,
		Checks:      checks,
		Version:     Version,
	})
}

type clusterNode struct {
	ID          string            `json:"id"`
	Hostname    string            `json:"hostname"`
	Status      types.NodeStatus  `json:"status"`
	Leader      bool              `json:"leader"`
	Sealed      bool              `json:"sealed"`
	Initialized bool              `json:"initialized"`
	LastSeenAt  time.Time         `json:"last_seen_at"`
	StartedAt   time.Time         `json:"started_at"`
	Version     string            `json:"version"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type clusterInfo struct {
	Nodes []clusterNode `json:"nodes"`
}

func (s *Server) handleClusterInfo(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.deps.Store.ListNodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := s.deps.Seal.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	info := clusterInfo{Nodes: make([]clusterNode, 0, len(nodes))}
	for _, n := range nodes {
		info.Nodes = append(info.Nodes, clusterNode{
			ID:          n.ID,
			Hostname:    n.Hostname,
			Status:      n.Status,
			Leader:      n.IsLeader,
			Sealed:      n.Status != types.NodeStatusUnsealed,
			Initialized: status.Initialized,
			LastSeenAt:  n.LastSeenAt.UTC(),
			StartedAt:   n.StartedAt.UTC(),
			Version:     n.Version,
			Metadata:    n.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, info)
}
