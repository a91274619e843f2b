package transport

import (
	"encoding/json"

	"github.com/xelth-com/girosync/internal/sync"
)

// Request and response bodies of the license server sync API

type wireItem struct {
	EntityType   sync.EntityType `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Operation    sync.Operation  `json:"operation"`
	Data         json.RawMessage `json:"data"`
	LocalVersion int64           `json:"local_version"`
}

type pushRequest struct {
	HardwareID string     `json:"hardware_id"`
	Items      []wireItem `json:"items"`
}

type wireItemResult struct {
	EntityType    sync.EntityType `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Status        sync.ItemStatus `json:"status"`
	ServerVersion int64           `json:"server_version"`
	Message       *string         `json:"message"`
}

type pushResponse struct {
	Success    bool             `json:"success"`
	Processed  int              `json:"processed"`
	Results    []wireItemResult `json:"results"`
	ServerTime string           `json:"server_time"`
}

type pullRequest struct {
	HardwareID  string            `json:"hardware_id"`
	EntityTypes []sync.EntityType `json:"entity_types"`
	Since       int64             `json:"since"`
	Limit       int               `json:"limit"`
}

type wirePullItem struct {
	EntityType sync.EntityType `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Operation  sync.Operation  `json:"operation"`
	Data       json.RawMessage `json:"data"`
	Version    int64           `json:"version"`
	UpdatedAt  string          `json:"updated_at"`
}

type pullResponse struct {
	Items      []wirePullItem `json:"items"`
	HasMore    bool           `json:"has_more"`
	ServerTime string         `json:"server_time"`
}

type deviceRequest struct {
	HardwareID string `json:"hardware_id"`
}

type resetRequest struct {
	HardwareID string           `json:"hardware_id"`
	EntityType *sync.EntityType `json:"entity_type"`
}

type wireEntityCount struct {
	EntityType    sync.EntityType `json:"entity_type"`
	Count         int64           `json:"count"`
	LastVersion   int64           `json:"last_version"`
	SyncedVersion int64           `json:"synced_version"`
}

type statusResponse struct {
	EntityCounts   []wireEntityCount `json:"entity_counts"`
	LastSync       *string           `json:"last_sync"`
	PendingChanges int64             `json:"pending_changes"`
}

type fullSyncResponse struct {
	Success   bool   `json:"success"`
	Pushed    int    `json:"pushed"`
	Pulled    int    `json:"pulled"`
	Conflicts int    `json:"conflicts"`
	Message   string `json:"message"`
}

func toWireItems(items []sync.PushItem) []wireItem {
	out := make([]wireItem, 0, len(items))
	for _, it := range items {
		data := it.Data
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		out = append(out, wireItem{
			EntityType:   it.EntityType,
			EntityID:     it.EntityID,
			Operation:    it.Operation,
			Data:         data,
			LocalVersion: it.BaseVersion,
		})
	}
	return out
}

func (r *pushResponse) toSync() *sync.PushResponse {
	out := &sync.PushResponse{
		Success:    r.Success,
		Processed:  r.Processed,
		ServerTime: r.ServerTime,
		Results:    make([]sync.PushResult, 0, len(r.Results)),
	}
	for _, res := range r.Results {
		out.Results = append(out.Results, sync.PushResult{
			EntityType:    res.EntityType,
			EntityID:      res.EntityID,
			Status:        res.Status,
			ServerVersion: res.ServerVersion,
			Message:       res.Message,
		})
	}
	return out
}

func (r *pullResponse) toSync() *sync.PullResponse {
	out := &sync.PullResponse{
		HasMore:    r.HasMore,
		ServerTime: r.ServerTime,
		Items:      make([]sync.PullItem, 0, len(r.Items)),
	}
	for _, it := range r.Items {
		out.Items = append(out.Items, sync.PullItem{
			EntityType: it.EntityType,
			EntityID:   it.EntityID,
			Operation:  it.Operation,
			Data:       it.Data,
			Version:    it.Version,
			UpdatedAt:  it.UpdatedAt,
		})
	}
	return out
}

func (r *statusResponse) toSync() *sync.ServerStatus {
	out := &sync.ServerStatus{
		LastSync:       r.LastSync,
		PendingChanges: r.PendingChanges,
		EntityCounts:   make([]sync.ServerEntityCount, 0, len(r.EntityCounts)),
	}
	for _, c := range r.EntityCounts {
		out.EntityCounts = append(out.EntityCounts, sync.ServerEntityCount{
			EntityType:    c.EntityType,
			Count:         c.Count,
			LastVersion:   c.LastVersion,
			SyncedVersion: c.SyncedVersion,
		})
	}
	return out
}
