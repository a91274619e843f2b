package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/xelth-com/girosync/internal/sync"
	"gorm.io/gorm"
)

// SyncHandler exposes the sync engine to the POS UI
type SyncHandler struct {
	syncEngine *sync.SyncEngine
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(syncEngine *sync.SyncEngine) *SyncHandler {
	return &SyncHandler{syncEngine: syncEngine}
}

// RegisterRoutes registers sync routes below the /api prefix
func (sh *SyncHandler) RegisterRoutes(r *mux.Router) {
	// Sync control endpoints
	r.HandleFunc("/sync/status", sh.GetSyncStatus).Methods("GET")
	r.HandleFunc("/sync/push", sh.Push).Methods("POST")
	r.HandleFunc("/sync/pull", sh.Pull).Methods("POST")
	r.HandleFunc("/sync/full", sh.FullSync).Methods("POST")
	r.HandleFunc("/sync/reset", sh.Reset).Methods("POST")

	// Conflicts
	r.HandleFunc("/sync/conflicts", sh.ListConflicts).Methods("GET")
	r.HandleFunc("/sync/conflicts/{id}/resolve", sh.ResolveConflict).Methods("POST")
	r.HandleFunc("/sync/attention", sh.ListAttention).Methods("GET")

	// History and server side
	r.HandleFunc("/sync/history", sh.GetHistory).Methods("GET")
	r.HandleFunc("/sync/remote-status", sh.GetRemoteStatus).Methods("GET")
	r.HandleFunc("/sync/remote-full", sh.RemoteFullSync).Methods("POST")
}

// GetSyncStatus returns the local sync state
func (sh *SyncHandler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := sh.syncEngine.Status(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// Push pushes pending local changes
func (sh *SyncHandler) Push(w http.ResponseWriter, r *http.Request) {
	types, ok := decodeEntityTypes(w, r)
	if !ok {
		return
	}

	summary, err := sh.syncEngine.Push(r.Context(), types)
	respondRound(w, err, map[string]interface{}{
		"processed": summary.Processed,
		"results":   summary.Results,
		"conflicts": summary.Conflicts(),
	})
}

// Pull pulls server-side changes
func (sh *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	types, ok := decodeEntityTypes(w, r)
	if !ok {
		return
	}

	summary, err := sh.syncEngine.Pull(r.Context(), types)
	respondRound(w, err, map[string]interface{}{
		"applied":    summary.Applied,
		"skipped":    summary.Skipped,
		"conflicts":  summary.Conflicts,
		"hasMore":    summary.HasMore,
		"serverTime": summary.ServerTime,
	})
}

// FullSync runs push and pull for every entity type
func (sh *SyncHandler) FullSync(w http.ResponseWriter, r *http.Request) {
	result, err := sh.syncEngine.FullSync(r.Context())
	if result == nil {
		respondRound(w, err, nil)
		return
	}
	if err != nil {
		respondJSON(w, statusFor(err), result)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Reset forgets the pull watermark of one type, or all types when
// entityType is null or missing
func (sh *SyncHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntityType *string `json:"entityType"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}

	var target *sync.EntityType
	if req.EntityType != nil {
		t, err := sync.ParseEntityType(*req.EntityType)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		target = &t
	}

	err := sh.syncEngine.Reset(r.Context(), target)
	respondRound(w, err, map[string]interface{}{"entityType": target})
}

// ListConflicts returns unresolved conflict reports
func (sh *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := sh.syncEngine.Conflicts(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(conflicts),
		"conflicts": conflicts,
	})
}

// ListAttention returns journal records held back from pushing
func (sh *SyncHandler) ListAttention(w http.ResponseWriter, r *http.Request) {
	records, err := sh.syncEngine.Attention(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(records),
		"records": records,
	})
}

// ResolveConflict executes a resolution for one conflict report
func (sh *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid conflict id")
		return
	}

	var req struct {
		Resolution string `json:"resolution"`
		ResolvedBy string `json:"resolvedBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	resolution, err := sync.ParseResolution(req.Resolution)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "ui"
	}

	err = sh.syncEngine.ResolveConflict(r.Context(), uint(id), resolution, req.ResolvedBy)
	respondRound(w, err, map[string]interface{}{
		"id":         id,
		"resolution": resolution,
	})
}

// GetHistory returns the latest rounds
func (sh *SyncHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	history, err := sh.syncEngine.History(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, history)
}

// GetRemoteStatus returns the server's view of this device
func (sh *SyncHandler) GetRemoteStatus(w http.ResponseWriter, r *http.Request) {
	status, err := sh.syncEngine.RemoteStatus(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// RemoteFullSync asks the server to run its own full sync for this device
func (sh *SyncHandler) RemoteFullSync(w http.ResponseWriter, r *http.Request) {
	resp, err := sh.syncEngine.RemoteFullSync(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// Helper functions

func decodeEntityTypes(w http.ResponseWriter, r *http.Request) ([]sync.EntityType, bool) {
	var req struct {
		EntityTypes []string `json:"entityTypes"`
	}
	if !decodeOptional(w, r, &req) {
		return nil, false
	}
	types, err := sync.ParseEntityTypes(req.EntityTypes)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return types, true
}

// decodeOptional decodes a JSON body; an empty body leaves v untouched
func decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return false
	}
	return true
}

// respondRound answers a round request. Results are included even when the
// round reported errors.
func respondRound(w http.ResponseWriter, err error, body map[string]interface{}) {
	if body == nil {
		body = map[string]interface{}{}
	}
	body["success"] = err == nil
	if err != nil {
		body["error"] = err.Error()
		respondJSON(w, statusFor(err), body)
		return
	}
	respondJSON(w, http.StatusOK, body)
}

// statusFor maps engine errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, sync.ErrSyncBusy), errors.Is(err, sync.ErrConflictClosed):
		return http.StatusConflict
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, sync.ErrQuarantined):
		return http.StatusLocked
	case errors.Is(err, sync.ErrTransport), errors.Is(err, sync.ErrRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
