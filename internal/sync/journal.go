package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/xelth-com/girosync/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultJournalPage = 200

// Journal holds local changes not yet accepted by the server, one record per
// entity. Records that came back as conflict or error stay in the journal
// flagged NeedsAttention and are skipped until cleared.
type Journal struct {
	db       *gorm.DB
	pageSize int
}

// NewJournal creates a journal backed by the sync_journal table
func NewJournal(db *gorm.DB) *Journal {
	return &Journal{db: db, pageSize: defaultJournalPage}
}

// Record journals a local mutation, merging it with a pending record for the
// same entity
func (j *Journal) Record(ctx context.Context, t EntityType, id string, op Operation, payload json.RawMessage) error {
	return j.record(j.db.WithContext(ctx), t, id, op, payload)
}

// record runs on the caller's handle so change capture joins the
// transaction of the entity write
func (j *Journal) record(db *gorm.DB, t EntityType, id string, op Operation, payload json.RawMessage) error {
	if !op.Valid() {
		return fmt.Errorf("invalid operation %q", op)
	}
	if id == "" {
		return fmt.Errorf("empty entity id for %s", t)
	}

	return db.Transaction(func(tx *gorm.DB) error {
		var existing models.ChangeRecord
		err := tx.Where("entity_type = ? AND entity_id = ?", string(t), id).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			base, err := appliedVersion(tx, t, id)
			if err != nil {
				return err
			}
			rec := models.ChangeRecord{
				EntityType:  string(t),
				EntityID:    id,
				Operation:   string(op),
				Payload:     datatypes.JSON(payload),
				BaseVersion: base,
				Revision:    1,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return fmt.Errorf("failed to journal %s:%s: %w", t, id, err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read journal for %s:%s: %w", t, id, err)
		}

		next := escalate(Operation(existing.Operation), op)
		err = tx.Model(&existing).Updates(map[string]interface{}{
			"operation": string(next),
			"payload":   datatypes.JSON(payload),
			"revision":  gorm.Expr("revision + 1"),
		}).Error
		if err != nil {
			return fmt.Errorf("failed to update journal for %s:%s: %w", t, id, err)
		}
		return nil
	})
}

func appliedVersion(tx *gorm.DB, t EntityType, id string) (int64, error) {
	var versions []int64
	err := tx.Model(&models.EntityVersion{}).
		Where("entity_type = ? AND entity_id = ?", string(t), id).
		Pluck("version", &versions).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read applied version for %s:%s: %w", t, id, err)
	}
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[0], nil
}

// PendingFor returns the records of the given types that are ready to push,
// oldest first. The sequence reads the table page by page and can be
// iterated again to start over.
func (j *Journal) PendingFor(ctx context.Context, types []EntityType) iter.Seq2[models.ChangeRecord, error] {
	names := typeNames(types)
	return func(yield func(models.ChangeRecord, error) bool) {
		if len(names) == 0 {
			return
		}
		var after int64
		for {
			var page []models.ChangeRecord
			err := j.db.WithContext(ctx).
				Where("entity_type IN ? AND needs_attention = ? AND sequence > ?", names, false, after).
				Order("sequence").
				Limit(j.pageSize).
				Find(&page).Error
			if err != nil {
				yield(models.ChangeRecord{}, fmt.Errorf("failed to read journal: %w", err))
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
				after = rec.Sequence
			}
			if len(page) < j.pageSize {
				return
			}
		}
	}
}

// Acknowledge applies the server verdict for a pushed record. An accepted
// record is removed unless it was edited again while in flight, in which
// case the newer edit stays pending on top of the accepted version.
func (j *Journal) Acknowledge(ctx context.Context, rec models.ChangeRecord, res PushResult) error {
	db := j.db.WithContext(ctx)

	switch res.Status {
	case StatusOK:
		return db.Transaction(func(tx *gorm.DB) error {
			del := tx.Where("sequence = ? AND revision = ?", rec.Sequence, rec.Revision).Delete(&models.ChangeRecord{})
			if del.Error != nil {
				return fmt.Errorf("failed to acknowledge %s:%s: %w", rec.EntityType, rec.EntityID, del.Error)
			}
			if del.RowsAffected > 0 {
				return nil
			}
			err := tx.Model(&models.ChangeRecord{}).
				Where("sequence = ?", rec.Sequence).
				Updates(map[string]interface{}{
					"base_version":   res.ServerVersion,
					"server_version": res.ServerVersion,
					"last_status":    string(StatusOK),
					"last_message":   "",
					"operation":      gorm.Expr("CASE WHEN operation = ? THEN ? ELSE operation END", string(OpCreate), string(OpUpdate)),
				}).Error
			if err != nil {
				return fmt.Errorf("failed to rebase %s:%s: %w", rec.EntityType, rec.EntityID, err)
			}
			return nil
		})

	case StatusConflict, StatusError:
		err := db.Model(&models.ChangeRecord{}).
			Where("sequence = ?", rec.Sequence).
			Updates(map[string]interface{}{
				"needs_attention": true,
				"last_status":     string(res.Status),
				"last_message":    res.MessageText(),
				"server_version":  res.ServerVersion,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to flag %s:%s: %w", rec.EntityType, rec.EntityID, err)
		}
		return nil

	default:
		return fmt.Errorf("unknown push status %q for %s:%s", res.Status, rec.EntityType, rec.EntityID)
	}
}

// Find returns the record for an entity, or nil if nothing is pending
func (j *Journal) Find(ctx context.Context, t EntityType, id string) (*models.ChangeRecord, error) {
	var rec models.ChangeRecord
	err := j.db.WithContext(ctx).Where("entity_type = ? AND entity_id = ?", string(t), id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read journal for %s:%s: %w", t, id, err)
	}
	return &rec, nil
}

// MarkAttention flags a record so pushes skip it until it is cleared
func (j *Journal) MarkAttention(ctx context.Context, t EntityType, id string, status ItemStatus, message string, serverVersion int64) error {
	return j.updateEntity(ctx, t, id, map[string]interface{}{
		"needs_attention": true,
		"last_status":     string(status),
		"last_message":    message,
		"server_version":  serverVersion,
	})
}

// Clear makes a flagged record eligible for pushing again
func (j *Journal) Clear(ctx context.Context, t EntityType, id string) error {
	return j.updateEntity(ctx, t, id, map[string]interface{}{
		"needs_attention": false,
		"last_status":     "",
		"last_message":    "",
	})
}

// Rebase clears a record and declares baseVersion as the server version it
// builds on. A pending create becomes an update, the server has the entity.
func (j *Journal) Rebase(ctx context.Context, t EntityType, id string, baseVersion int64) error {
	return j.updateEntity(ctx, t, id, map[string]interface{}{
		"needs_attention": false,
		"last_status":     "",
		"last_message":    "",
		"base_version":    baseVersion,
		"operation":       gorm.Expr("CASE WHEN operation = ? THEN ? ELSE operation END", string(OpCreate), string(OpUpdate)),
	})
}

// Discard drops the pending record of an entity
func (j *Journal) Discard(ctx context.Context, t EntityType, id string) error {
	err := j.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", string(t), id).
		Delete(&models.ChangeRecord{}).Error
	if err != nil {
		return fmt.Errorf("failed to discard %s:%s: %w", t, id, err)
	}
	return nil
}

func (j *Journal) updateEntity(ctx context.Context, t EntityType, id string, values map[string]interface{}) error {
	err := j.db.WithContext(ctx).Model(&models.ChangeRecord{}).
		Where("entity_type = ? AND entity_id = ?", string(t), id).
		Updates(values).Error
	if err != nil {
		return fmt.Errorf("failed to update journal for %s:%s: %w", t, id, err)
	}
	return nil
}

// JournalCounts are pending record counts per entity type
type JournalCounts struct {
	Pending   map[EntityType]int64
	Attention map[EntityType]int64
}

// Total returns all records, flagged ones included
func (c JournalCounts) Total() int64 {
	var n int64
	for _, v := range c.Pending {
		n += v
	}
	return n
}

// TotalAttention returns the flagged records
func (c JournalCounts) TotalAttention() int64 {
	var n int64
	for _, v := range c.Attention {
		n += v
	}
	return n
}

// Counts returns pending and flagged record counts per entity type
func (j *Journal) Counts(ctx context.Context) (JournalCounts, error) {
	var rows []struct {
		EntityType     string
		NeedsAttention bool
		N              int64
	}
	err := j.db.WithContext(ctx).Model(&models.ChangeRecord{}).
		Select("entity_type, needs_attention, COUNT(*) AS n").
		Group("entity_type, needs_attention").
		Scan(&rows).Error
	if err != nil {
		return JournalCounts{}, fmt.Errorf("failed to count journal: %w", err)
	}

	counts := JournalCounts{Pending: map[EntityType]int64{}, Attention: map[EntityType]int64{}}
	for _, r := range rows {
		t := EntityType(r.EntityType)
		counts.Pending[t] += r.N
		if r.NeedsAttention {
			counts.Attention[t] += r.N
		}
	}
	return counts, nil
}

// ListAttention returns flagged records, oldest first
func (j *Journal) ListAttention(ctx context.Context) ([]models.ChangeRecord, error) {
	var recs []models.ChangeRecord
	err := j.db.WithContext(ctx).Where("needs_attention = ?", true).Order("sequence").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list flagged records: %w", err)
	}
	return recs, nil
}

func typeNames(types []EntityType) []string {
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}
	return names
}
