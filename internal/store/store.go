package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/xelth-com/girosync/internal/models"
	"github.com/xelth-com/girosync/internal/sync"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// Store is the GORM-backed catalog database as seen by the sync engine.
// Writes coming from the server are never journaled, and each one records
// the applied server version in the same transaction.
type Store struct {
	db      *gorm.DB
	entries map[sync.EntityType]*entry
}

type entry struct {
	modelType reflect.Type
	schema    *schema.Schema
	// columns overwritten by a remote upsert
	updatable []string
}

var _ sync.LocalStore = (*Store)(nil)

// New creates a store for the catalog models
func New(db *gorm.DB) (*Store, error) {
	s := &Store{db: db, entries: make(map[sync.EntityType]*entry)}
	for _, m := range models.CatalogModels() {
		if err := s.register(m); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) register(m models.SyncableEntity) error {
	t, err := sync.ParseEntityType(m.GetEntityType())
	if err != nil {
		return err
	}
	stmt := &gorm.Statement{DB: s.db}
	if err := stmt.Parse(m); err != nil {
		return fmt.Errorf("failed to parse model for %s: %w", t, err)
	}
	sch := stmt.Schema
	if sch.PrioritizedPrimaryField == nil {
		return fmt.Errorf("model for %s has no primary key", t)
	}

	keep := map[string]bool{}
	for _, name := range sch.PrimaryFieldDBNames {
		keep[name] = true
	}
	if f := sch.LookUpField("CreatedAt"); f != nil {
		keep[f.DBName] = true
	}
	if sh, ok := m.(models.SecretHolder); ok {
		for _, c := range sh.SecretColumns() {
			keep[c] = true
		}
	}

	e := &entry{modelType: reflect.TypeOf(m).Elem(), schema: sch}
	for _, name := range sch.DBNames {
		if !keep[name] {
			e.updatable = append(e.updatable, name)
		}
	}
	s.entries[t] = e
	return nil
}

func (s *Store) lookup(t sync.EntityType) (*entry, error) {
	e, ok := s.entries[t]
	if !ok {
		return nil, fmt.Errorf("no local model for entity type %s", t)
	}
	return e, nil
}

func (e *entry) newModel() models.SyncableEntity {
	return reflect.New(e.modelType).Interface().(models.SyncableEntity)
}

func (e *entry) byID(id string) map[string]interface{} {
	return map[string]interface{}{e.schema.PrioritizedPrimaryField.DBName: id}
}

// remote returns a handle whose writes skip the change journal
func (s *Store) remote(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Set(models.SkipJournalKey, true)
}

// UpsertEntity writes the server state of an entity. Local-only columns
// such as PIN hashes are left untouched.
func (s *Store) UpsertEntity(ctx context.Context, t sync.EntityType, id string, data json.RawMessage, version int64) error {
	e, err := s.lookup(t)
	if err != nil {
		return err
	}
	m := e.newModel()
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("failed to decode %s:%s: %w", t, id, err)
	}
	m.SetEntityID(id)

	return s.remote(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Set(models.SkipJournalKey, true).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: e.schema.PrioritizedPrimaryField.DBName}},
				DoUpdates: clause.AssignmentColumns(e.updatable),
			}).
			Create(m).Error
		if err != nil {
			return fmt.Errorf("failed to upsert %s:%s: %w", t, id, err)
		}
		return markApplied(tx, t, id, version, false)
	})
}

// DeleteEntity applies a server-side delete. Models that must stay
// referenceable are deactivated instead of removed. Deleting a missing row
// is not an error.
func (s *Store) DeleteEntity(ctx context.Context, t sync.EntityType, id string, version int64) error {
	e, err := s.lookup(t)
	if err != nil {
		return err
	}
	m := e.newModel()

	return s.remote(ctx).Transaction(func(tx *gorm.DB) error {
		tx = tx.Set(models.SkipJournalKey, true)
		if d, ok := m.(models.Deactivatable); ok {
			err = tx.Model(m).Where(e.byID(id)).Updates(d.DeactivateColumns()).Error
		} else {
			err = tx.Where(e.byID(id)).Delete(m).Error
		}
		if err != nil {
			return fmt.Errorf("failed to delete %s:%s: %w", t, id, err)
		}
		return markApplied(tx, t, id, version, true)
	})
}

// AppliedVersion returns the last server version applied for an entity, 0
// if none
func (s *Store) AppliedVersion(ctx context.Context, t sync.EntityType, id string) (int64, error) {
	var versions []int64
	err := s.db.WithContext(ctx).Model(&models.EntityVersion{}).
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

// MarkApplied records that the local row already reflects version
func (s *Store) MarkApplied(ctx context.Context, t sync.EntityType, id string, version int64) error {
	return markApplied(s.db.WithContext(ctx), t, id, version, false)
}

// ForgetApplied drops the applied versions of a type, so a re-pull
// applies everything again
func (s *Store) ForgetApplied(ctx context.Context, t sync.EntityType) error {
	err := s.db.WithContext(ctx).Where("entity_type = ?", string(t)).Delete(&models.EntityVersion{}).Error
	if err != nil {
		return fmt.Errorf("failed to forget applied versions for %s: %w", t, err)
	}
	return nil
}

// Count returns the number of local rows of a type
func (s *Store) Count(ctx context.Context, t sync.EntityType) (int64, error) {
	e, err := s.lookup(t)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(e.newModel()).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", t, err)
	}
	return n, nil
}

// markApplied raises the applied version of an entity, never lowering it
func markApplied(tx *gorm.DB, t sync.EntityType, id string, version int64, deleted bool) error {
	const newer = "sync_entity_versions.version < excluded.version"
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"version":    gorm.Expr("CASE WHEN " + newer + " THEN excluded.version ELSE sync_entity_versions.version END"),
			"deleted":    gorm.Expr("CASE WHEN " + newer + " THEN excluded.deleted ELSE sync_entity_versions.deleted END"),
			"updated_at": time.Now().UTC(),
		}),
	}).Create(&models.EntityVersion{
		EntityType: string(t),
		EntityID:   id,
		Version:    version,
		Deleted:    deleted,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to record applied version for %s:%s: %w", t, id, err)
	}
	return nil
}
