package models

import (
	"time"

	"gorm.io/datatypes"
)

// ChangeRecord is one pending local change waiting to be pushed. There is at
// most one row per (entity_type, entity_id); later edits replace the payload
// and keep the original sequence so older edits are pushed first.
type ChangeRecord struct {
	Sequence       int64          `gorm:"primaryKey;autoIncrement" json:"localSequence"`
	EntityType     string         `gorm:"type:varchar(50);not null;uniqueIndex:idx_journal_entity" json:"entityType"`
	EntityID       string         `gorm:"type:varchar(255);not null;uniqueIndex:idx_journal_entity" json:"entityId"`
	Operation      string         `gorm:"type:varchar(20);not null" json:"operation"` // create, update, delete
	Payload        datatypes.JSON `json:"payload"`
	BaseVersion    int64          `gorm:"not null;default:0" json:"baseVersion"`
	Revision       int64          `gorm:"not null;default:1" json:"revision"`
	NeedsAttention bool           `gorm:"not null;default:false;index" json:"needsAttention"`
	LastStatus     string         `gorm:"type:varchar(20)" json:"lastStatus,omitempty"`
	LastMessage    string         `gorm:"type:text" json:"lastMessage,omitempty"`
	ServerVersion  int64          `gorm:"not null;default:0" json:"serverVersion"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// TableName specifies the table name
func (ChangeRecord) TableName() string {
	return "sync_journal"
}

// LedgerEntry tracks the server versions seen for one entity type
type LedgerEntry struct {
	ID                uint       `gorm:"primaryKey" json:"-"`
	EntityType        string     `gorm:"type:varchar(50);not null;uniqueIndex" json:"entityType"`
	LastPushedVersion int64      `gorm:"not null;default:0" json:"lastPushedVersion"`
	LastPulledVersion int64      `gorm:"not null;default:0" json:"lastPulledVersion"`
	LastPushedAt      *time.Time `json:"lastPushedAt,omitempty"`
	LastPulledAt      *time.Time `json:"lastPulledAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// TableName specifies the table name
func (LedgerEntry) TableName() string {
	return "sync_ledger"
}

// EntityVersion is the last server version applied locally for one entity
type EntityVersion struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	EntityType string    `gorm:"type:varchar(50);not null;uniqueIndex:idx_entity_version" json:"entityType"`
	EntityID   string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_entity_version" json:"entityId"`
	Version    int64     `gorm:"not null;default:0" json:"version"`
	Deleted    bool      `gorm:"not null;default:false" json:"deleted"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (EntityVersion) TableName() string {
	return "sync_entity_versions"
}

// Conflict types stored in SyncConflict.ConflictType
const (
	ConflictTypePush   = "push_conflict"
	ConflictTypeError  = "push_error"
	ConflictTypeRemote = "pull_conflict"
)

// Conflict statuses
const (
	ConflictStatusPending  = "pending"
	ConflictStatusResolved = "resolved"
)

// SyncConflict represents a synchronization conflict or a rejected item
type SyncConflict struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	EntityType    string         `gorm:"type:varchar(50);not null;index:idx_conflict_entity" json:"entityType"`
	EntityID      string         `gorm:"type:varchar(255);not null;index:idx_conflict_entity" json:"entityId"`
	ConflictType  string         `gorm:"type:varchar(50);not null" json:"conflictType"`
	Operation     string         `gorm:"type:varchar(20)" json:"operation"`
	LocalData     datatypes.JSON `json:"localData,omitempty"`
	RemoteData    datatypes.JSON `json:"remoteData,omitempty"`
	RemoteOp      string         `gorm:"type:varchar(20)" json:"remoteOperation,omitempty"`
	BaseVersion   int64          `json:"baseVersion"`
	ServerVersion int64          `json:"serverVersion"`
	Message       string         `gorm:"type:text" json:"message,omitempty"`
	Status        string         `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	Resolution    string         `gorm:"type:varchar(50)" json:"resolution,omitempty"`
	ResolvedAt    *time.Time     `json:"resolvedAt,omitempty"`
	ResolvedBy    string         `gorm:"type:varchar(255)" json:"resolvedBy,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// TableName specifies the table name
func (SyncConflict) TableName() string {
	return "sync_conflicts"
}
