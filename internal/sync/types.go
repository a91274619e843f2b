package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xelth-com/girosync/internal/models"
)

// EntityType represents the type of entity being synchronized
type EntityType string

const (
	EntityProduct  EntityType = models.EntityProduct
	EntityCategory EntityType = models.EntityCategory
	EntitySupplier EntityType = models.EntitySupplier
	EntityCustomer EntityType = models.EntityCustomer
	EntityEmployee EntityType = models.EntityEmployee
	EntitySetting  EntityType = models.EntitySetting
)

// AllEntityTypes returns every syncable type in the order fullSync walks them.
// Categories and suppliers come before the products referencing them.
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityCategory,
		EntitySupplier,
		EntityProduct,
		EntityCustomer,
		EntityEmployee,
		EntitySetting,
	}
}

// ParseEntityType validates a type name coming from a caller or the wire
func ParseEntityType(s string) (EntityType, error) {
	for _, t := range AllEntityTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// ParseEntityTypes validates a list of type names. An empty list means all types.
func ParseEntityTypes(names []string) ([]EntityType, error) {
	if len(names) == 0 {
		return AllEntityTypes(), nil
	}
	types := make([]EntityType, 0, len(names))
	seen := make(map[EntityType]bool, len(names))
	for _, n := range names {
		t, err := ParseEntityType(n)
		if err != nil {
			return nil, err
		}
		if !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}
	return types, nil
}

// Operation is the kind of change carried by a journal record or pull item
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations
func (op Operation) Valid() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// escalate merges a new local operation into a pending one
func escalate(pending, next Operation) Operation {
	switch {
	case next == OpDelete:
		return OpDelete
	case pending == OpCreate:
		return OpCreate
	default:
		// update+update, update+create, delete followed by a new write: the
		// server already knows the entity, so the net effect is an update.
		return OpUpdate
	}
}

// ItemStatus is the server verdict for one pushed item
type ItemStatus string

const (
	StatusOK       ItemStatus = "ok"
	StatusConflict ItemStatus = "conflict"
	StatusError    ItemStatus = "error"
)

// RoundState is the state of a sync round
type RoundState string

const (
	RoundIdle            RoundState = "idle"
	RoundRunning         RoundState = "running"
	RoundSucceeded       RoundState = "succeeded"
	RoundPartiallyFailed RoundState = "partially_failed"
	RoundFailed          RoundState = "failed"
)

// ConflictResolutionStrategy selects the built-in Resolver
type ConflictResolutionStrategy string

const (
	ConflictManual     ConflictResolutionStrategy = "manual"
	ConflictServerWins ConflictResolutionStrategy = "server_wins"
	ConflictClientWins ConflictResolutionStrategy = "client_wins"
)

// ============ WIRE TYPES ============

// PushItem is one journaled change sent to the server
type PushItem struct {
	EntityType  EntityType      `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Operation   Operation       `json:"operation"`
	Data        json.RawMessage `json:"data"`
	BaseVersion int64           `json:"baseVersion"`
}

// PushResult is the server verdict for one pushed item
type PushResult struct {
	EntityType    EntityType `json:"entityType"`
	EntityID      string     `json:"entityId"`
	Status        ItemStatus `json:"status"`
	ServerVersion int64      `json:"serverVersion"`
	Message       *string    `json:"message"`
}

// MessageText returns the message or an empty string
func (r PushResult) MessageText() string {
	if r.Message == nil {
		return ""
	}
	return *r.Message
}

// PushResponse is what the transport returns for one batch
type PushResponse struct {
	Success    bool         `json:"success"`
	Processed  int          `json:"processed"`
	Results    []PushResult `json:"results"`
	ServerTime string       `json:"serverTime"`
}

// PullRequest asks for one page of changes of a single type
type PullRequest struct {
	EntityType EntityType `json:"entityType"`
	Since      int64      `json:"since"`
	Limit      int        `json:"limit"`
}

// PullItem is one server-side change
type PullItem struct {
	EntityType EntityType      `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Operation  Operation       `json:"operation"`
	Data       json.RawMessage `json:"data"`
	Version    int64           `json:"version"`
	UpdatedAt  string          `json:"updatedAt"`
}

// PullResponse is one page of server-side changes
type PullResponse struct {
	Items      []PullItem `json:"items"`
	HasMore    bool       `json:"hasMore"`
	ServerTime string     `json:"serverTime"`
}

// ServerEntityCount is the server view of one entity type
type ServerEntityCount struct {
	EntityType    EntityType `json:"entityType"`
	Count         int64      `json:"count"`
	LastVersion   int64      `json:"lastVersion"`
	SyncedVersion int64      `json:"syncedVersion"`
}

// ServerStatus is the server view of this device
type ServerStatus struct {
	EntityCounts   []ServerEntityCount `json:"entityCounts"`
	LastSync       *string             `json:"lastSync"`
	PendingChanges int64               `json:"pendingChanges"`
}

// FullSyncResponse is the server-side convenience full sync answer
type FullSyncResponse struct {
	Success   bool   `json:"success"`
	Pushed    int    `json:"pushed"`
	Pulled    int    `json:"pulled"`
	Conflicts int    `json:"conflicts"`
	Message   string `json:"message"`
}

// ============ ROUND RESULTS ============

// PushSummary is the outcome of a push round
type PushSummary struct {
	Processed  int          `json:"processed"`
	Results    []PushResult `json:"results"`
	ServerTime string       `json:"serverTime"`
}

// Conflicts counts results that were not accepted
func (s PushSummary) Conflicts() int {
	n := 0
	for _, r := range s.Results {
		if r.Status != StatusOK {
			n++
		}
	}
	return n
}

func (s *PushSummary) merge(o PushSummary) {
	s.Processed += o.Processed
	s.Results = append(s.Results, o.Results...)
	if o.ServerTime != "" {
		s.ServerTime = o.ServerTime
	}
}

// PullSummary is the outcome of a pull round
type PullSummary struct {
	Items      []PullItem `json:"items"`
	Applied    int        `json:"applied"`
	Skipped    int        `json:"skipped"`
	Conflicts  int        `json:"conflicts"`
	HasMore    bool       `json:"hasMore"`
	ServerTime string     `json:"serverTime"`
}

func (s *PullSummary) merge(o PullSummary) {
	s.Items = append(s.Items, o.Items...)
	s.Applied += o.Applied
	s.Skipped += o.Skipped
	s.Conflicts += o.Conflicts
	s.HasMore = s.HasMore || o.HasMore
	if o.ServerTime != "" {
		s.ServerTime = o.ServerTime
	}
}

// FullSyncResult is the combined outcome of a full sync round
type FullSyncResult struct {
	Success   bool       `json:"success"`
	State     RoundState `json:"state"`
	Pushed    int        `json:"pushed"`
	Pulled    int        `json:"pulled"`
	Conflicts int        `json:"conflicts"`
	Message   string     `json:"message"`
	Errors    []string   `json:"errors,omitempty"`
}

// EntityCount is the local view of one entity type
type EntityCount struct {
	EntityType    EntityType `json:"entityType"`
	Count         int64      `json:"count"`
	LastVersion   int64      `json:"lastVersion"`
	SyncedVersion int64      `json:"syncedVersion"`
	Pending       int64      `json:"pending"`
}

// SyncStatus is the read-only projection of the ledger and journal
type SyncStatus struct {
	EntityCounts   []EntityCount `json:"entityCounts"`
	LastSync       *time.Time    `json:"lastSync"`
	PendingChanges int64         `json:"pendingChanges"`
	NeedsAttention int64         `json:"needsAttention"`
	State          RoundState    `json:"state"`
	LastOutcome    RoundState    `json:"lastOutcome,omitempty"`
	Quarantined    []EntityType  `json:"quarantined,omitempty"`
}

// RoundEvent is broadcast when a round starts or finishes
type RoundEvent struct {
	Type      string     `json:"type"` // SYNC_STARTED, SYNC_FINISHED
	Kind      string     `json:"kind"`
	State     RoundState `json:"state"`
	Pushed    int        `json:"pushed,omitempty"`
	Pulled    int        `json:"pulled,omitempty"`
	Conflicts int        `json:"conflicts,omitempty"`
	Error     string     `json:"error,omitempty"`
	At        time.Time  `json:"at"`
}
