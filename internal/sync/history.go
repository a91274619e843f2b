package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xelth-com/girosync/internal/models"
	"gorm.io/gorm"
)

const defaultHistoryLimit = 30

// History keeps one row per finished round in sync_history
type History struct {
	db *gorm.DB
}

// NewHistory creates a history backed by the sync_history table
func NewHistory(db *gorm.DB) *History {
	return &History{db: db}
}

// Record stores a finished round
func (h *History) Record(ctx context.Context, r *round) error {
	completed := time.Now().UTC()
	details := make([]string, 0, len(r.errs))
	for _, err := range r.errs {
		details = append(details, err.Error())
	}

	row := models.SyncHistory{
		Kind:        r.kind,
		Status:      string(r.state),
		EntityTypes: strings.Join(typeNames(r.types), ","),
		StartedAt:   r.started,
		CompletedAt: &completed,
		Duration:    completed.Sub(r.started).Milliseconds(),
		Pushed:      r.pushed,
		Pulled:      r.pulled,
		Conflicts:   r.conflicts,
		Errors:      len(r.errs),
		ErrorDetail: strings.Join(details, "; "),
	}
	if err := h.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to record sync history: %w", err)
	}
	return nil
}

// LastFullSync returns when the last full round that did not fail finished,
// or nil if there was none
func (h *History) LastFullSync(ctx context.Context) (*time.Time, error) {
	var row models.SyncHistory
	err := h.db.WithContext(ctx).
		Where("kind = ? AND status IN ?", roundFull, []string{string(RoundSucceeded), string(RoundPartiallyFailed)}).
		Order("id DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync history: %w", err)
	}
	return row.CompletedAt, nil
}

// Recent returns the latest rounds, newest first
func (h *History) Recent(ctx context.Context, limit int) ([]models.SyncHistory, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	var rows []models.SyncHistory
	if err := h.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read sync history: %w", err)
	}
	return rows, nil
}
