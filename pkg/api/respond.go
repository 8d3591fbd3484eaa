package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/secrethub/secrethub/pkg/types"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses. Unknown errors are
// opaque 500s; their detail stays in the logs.
func writeError(w http.ResponseWriter, err error) {
	var pd *types.PolicyDeniedError
	switch {
	case errors.As(err, &pd):
		writeJSON(w, http.StatusForbidden, errorBody{Error: pd.Reason, Kind: "policy_denied"})
	case errors.Is(err, types.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found", Kind: "not_found"})
	case errors.Is(err, types.ErrSealed):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "vault is sealed", Kind: "sealed"})
	case errors.Is(err, types.ErrNotInitialized):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "vault is not initialized", Kind: "not_initialized"})
	case errors.Is(err, types.ErrAlreadyInitialized):
		writeJSON(w, http.StatusConflict, errorBody{Error: "vault is already initialized", Kind: "already_initialized"})
	case errors.Is(err, types.ErrInvalidShare):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid share", Kind: "invalid_share"})
	case errors.Is(err, types.ErrInsufficientShares):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "insufficient shares", Kind: "insufficient_shares"})
	case errors.Is(err, types.ErrReconstructionFailed):
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "master key reconstruction failed", Kind: "reconstruction_failed"})
	case errors.Is(err, types.ErrLockTimeout):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "lock acquisition timed out", Kind: "lock_timeout"})
	case errors.Is(err, types.ErrAuditWriteFailure):
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "audit write failed", Kind: "audit_write_failure"})
	case errors.Is(err, types.ErrAEADFailure):
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "decryption failed", Kind: "aead_failure"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
