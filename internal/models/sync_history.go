package models

import (
	"time"
)

// SyncHistory records each finished sync round
type SyncHistory struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Kind        string     `gorm:"column:kind;type:varchar(20);not null;index" json:"kind"`     // push, pull, full, reset, resolve
	Status      string     `gorm:"column:status;type:varchar(30);not null;index" json:"status"` // succeeded, partially_failed, failed
	EntityTypes string     `gorm:"column:entity_types;type:text" json:"entityTypes"`
	StartedAt   time.Time  `gorm:"column:started_at;not null" json:"startedAt"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completedAt"`
	Duration    int64      `gorm:"column:duration;default:0" json:"duration"` // milliseconds
	Pushed      int        `gorm:"column:pushed;default:0" json:"pushed"`
	Pulled      int        `gorm:"column:pulled;default:0" json:"pulled"`
	Conflicts   int        `gorm:"column:conflicts;default:0" json:"conflicts"`
	Errors      int        `gorm:"column:errors;default:0" json:"errors"`
	ErrorDetail string     `gorm:"column:error_detail;type:text" json:"errorDetail,omitempty"`
	CreatedAt   time.Time  `gorm:"column:created_at" json:"-"`
}

// TableName specifies the table name
func (SyncHistory) TableName() string {
	return "sync_history"
}
