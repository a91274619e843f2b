package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xelth-com/girosync/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ledger stores the per-type server version watermarks
type Ledger struct {
	db *gorm.DB
}

// NewLedger creates a ledger backed by the sync_ledger table
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Get returns the entry for t. A type never synced has a zero entry.
// Any read failure or an impossible row is reported as ledger corruption.
func (l *Ledger) Get(ctx context.Context, t EntityType) (models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := l.db.WithContext(ctx).Where("entity_type = ?", string(t)).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.LedgerEntry{EntityType: string(t)}, nil
	}
	if err != nil {
		return entry, &LedgerCorruptionError{EntityType: t, Err: err}
	}
	if entry.LastPulledVersion < 0 || entry.LastPushedVersion < 0 {
		return entry, &LedgerCorruptionError{
			EntityType: t,
			Err:        fmt.Errorf("negative version (pushed=%d pulled=%d)", entry.LastPushedVersion, entry.LastPulledVersion),
		}
	}
	return entry, nil
}

// All returns the entries of every type that has been synced at least once
func (l *Ledger) All(ctx context.Context) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	if err := l.db.WithContext(ctx).Order("entity_type").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return entries, nil
}

// ensure creates the row for t if it does not exist yet
func (l *Ledger) ensure(tx *gorm.DB, t EntityType) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.LedgerEntry{EntityType: string(t)}).Error
}

// RaisePushed sets lastPushedVersion to max(current, v)
func (l *Ledger) RaisePushed(ctx context.Context, t EntityType, v int64) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := l.ensure(tx, t); err != nil {
			return fmt.Errorf("failed to create ledger row for %s: %w", t, err)
		}
		now := time.Now().UTC()
		err := tx.Model(&models.LedgerEntry{}).
			Where("entity_type = ? AND last_pushed_version < ?", string(t), v).
			Updates(map[string]interface{}{"last_pushed_version": v, "last_pushed_at": now}).Error
		if err != nil {
			return fmt.Errorf("failed to raise pushed version for %s: %w", t, err)
		}
		return nil
	})
}

// AdvancePulled moves the watermark of t forward to v. A lower or equal v is
// ignored, the watermark never moves backwards here.
func (l *Ledger) AdvancePulled(ctx context.Context, t EntityType, v int64) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := l.ensure(tx, t); err != nil {
			return fmt.Errorf("failed to create ledger row for %s: %w", t, err)
		}
		now := time.Now().UTC()
		err := tx.Model(&models.LedgerEntry{}).
			Where("entity_type = ? AND last_pulled_version < ?", string(t), v).
			Updates(map[string]interface{}{"last_pulled_version": v, "last_pulled_at": now}).Error
		if err != nil {
			return fmt.Errorf("failed to advance watermark for %s: %w", t, err)
		}
		return nil
	})
}

// Reset sets the watermark of each given type back to zero. Negative pushed
// versions are clamped as well, which repairs a corrupted entry.
func (l *Ledger) Reset(ctx context.Context, types []EntityType) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, t := range types {
			if err := l.ensure(tx, t); err != nil {
				return fmt.Errorf("failed to create ledger row for %s: %w", t, err)
			}
			// lastPushedVersion is kept: it records what this device wrote
			// and is unaffected by re-pulling.
			err := tx.Model(&models.LedgerEntry{}).
				Where("entity_type = ?", string(t)).
				Updates(map[string]interface{}{
					"last_pulled_version": 0,
					"last_pulled_at":      nil,
					"last_pushed_version": gorm.Expr("CASE WHEN last_pushed_version < 0 THEN 0 ELSE last_pushed_version END"),
				}).Error
			if err != nil {
				return fmt.Errorf("failed to reset ledger for %s: %w", t, err)
			}
		}
		return nil
	})
}

// Rewind lowers the watermark of t to v so the next pull fetches versions
// after v again. Only conflict resolution uses it.
func (l *Ledger) Rewind(ctx context.Context, t EntityType, v int64) error {
	if v < 0 {
		v = 0
	}
	err := l.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("entity_type = ? AND last_pulled_version > ?", string(t), v).
		Update("last_pulled_version", v).Error
	if err != nil {
		return fmt.Errorf("failed to rewind watermark for %s: %w", t, err)
	}
	return nil
}
