package sync

import (
	"encoding/json"
	"fmt"
	"log"
	"reflect"

	"github.com/xelth-com/girosync/internal/models"
	"gorm.io/gorm"
)

// RegisterHooks registers GORM callbacks that journal every create, update
// and delete of a syncable model. The journal write joins the transaction of
// the entity write, so a failed journal write rolls the entity write back.
// Writes flagged with models.SkipJournalKey are not journaled. Updates and
// deletes by condition load the matching rows first so each one is journaled.
func RegisterHooks(db *gorm.DB, journal *Journal) error {
	cb := db.Callback()
	if err := cb.Create().After("gorm:create").Register("sync:journal_create", captureChange(journal, OpCreate)); err != nil {
		return fmt.Errorf("failed to register create hook: %w", err)
	}
	if err := cb.Update().Before("gorm:update").After("gorm:begin_transaction").Register("sync:load_update_targets", loadTargets); err != nil {
		return fmt.Errorf("failed to register update target hook: %w", err)
	}
	if err := cb.Delete().Before("gorm:delete").After("gorm:begin_transaction").Register("sync:load_delete_targets", loadTargets); err != nil {
		return fmt.Errorf("failed to register delete target hook: %w", err)
	}
	if err := cb.Update().After("gorm:update").Register("sync:journal_update", captureChange(journal, OpUpdate)); err != nil {
		return fmt.Errorf("failed to register update hook: %w", err)
	}
	if err := cb.Delete().After("gorm:delete").Register("sync:journal_delete", captureChange(journal, OpDelete)); err != nil {
		return fmt.Errorf("failed to register delete hook: %w", err)
	}
	log.Println("✅ GORM sync hooks registered successfully")
	return nil
}

func captureChange(journal *Journal, op Operation) func(*gorm.DB) {
	return func(db *gorm.DB) {
		if db.Error != nil || db.Statement.Schema == nil {
			return
		}
		if skip, ok := db.Get(models.SkipJournalKey); ok && skip == true {
			return
		}
		// Save() on a missing row runs an empty update before inserting
		if op == OpUpdate && db.Statement.RowsAffected == 0 {
			return
		}

		entities := syncableValues(db)
		if targets, ok := db.Statement.Settings.LoadAndDelete(targetsKey); ok {
			entities = targets.([]models.SyncableEntity)
		}

		for _, entity := range entities {
			t, err := ParseEntityType(entity.GetEntityType())
			if err != nil {
				continue
			}
			id := entity.GetEntityID()
			if id == "" {
				db.AddError(fmt.Errorf("%s of %s without primary key cannot be journaled", op, t))
				return
			}

			payload, err := changePayload(db, entity, op)
			if err != nil {
				db.AddError(fmt.Errorf("failed to build change payload for %s:%s: %w", t, id, err))
				return
			}

			if err := journal.record(db.Session(&gorm.Session{NewDB: true}), t, id, op, payload); err != nil {
				db.AddError(err)
				return
			}
		}
	}
}

const targetsKey = "sync:targets"

// loadTargets runs before updates and deletes that carry no primary key,
// such as db.Model(&Product{}).Where(...).Update(...). The rows matching the
// statement's conditions are stored on the statement for captureChange.
func loadTargets(db *gorm.DB) {
	db.Statement.Settings.Delete(targetsKey)
	if db.Error != nil || db.Statement.Schema == nil {
		return
	}
	if skip, ok := db.Get(models.SkipJournalKey); ok && skip == true {
		return
	}
	modelType := db.Statement.Schema.ModelType
	if _, ok := reflect.New(modelType).Interface().(models.SyncableEntity); !ok {
		return
	}
	for _, entity := range syncableValues(db) {
		if entity.GetEntityID() != "" {
			return
		}
	}

	rows := reflect.New(reflect.SliceOf(modelType))
	tx := db.Session(&gorm.Session{NewDB: true}).Table(db.Statement.Table)
	if where, ok := db.Statement.Clauses["WHERE"]; ok && where.Expression != nil {
		tx = tx.Clauses(where.Expression)
	}
	if err := tx.Find(rows.Interface()).Error; err != nil {
		db.AddError(fmt.Errorf("failed to load rows of %s for the journal: %w", db.Statement.Table, err))
		return
	}

	targets := make([]models.SyncableEntity, 0, rows.Elem().Len())
	for i := 0; i < rows.Elem().Len(); i++ {
		if entity, ok := rows.Elem().Index(i).Addr().Interface().(models.SyncableEntity); ok {
			targets = append(targets, entity)
		}
	}
	db.Statement.Settings.Store(targetsKey, targets)
}

// changePayload returns the stored state of the entity. Updates with a
// partial column set are re-read so the payload is always the full row.
func changePayload(db *gorm.DB, entity models.SyncableEntity, op Operation) (json.RawMessage, error) {
	if op == OpDelete {
		return json.Marshal(entity)
	}

	pk := db.Statement.Schema.PrioritizedPrimaryField
	if pk == nil {
		return json.Marshal(entity)
	}
	fresh := reflect.New(db.Statement.Schema.ModelType).Interface()
	err := db.Session(&gorm.Session{NewDB: true}).
		Where(map[string]interface{}{pk.DBName: entity.GetEntityID()}).
		Take(fresh).Error
	if err != nil {
		return nil, err
	}
	return json.Marshal(fresh)
}

// syncableValues extracts the syncable models a statement operated on
func syncableValues(db *gorm.DB) []models.SyncableEntity {
	var out []models.SyncableEntity

	add := func(v reflect.Value) {
		for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
			if v.IsNil() {
				return
			}
			v = v.Elem()
		}
		if v.Kind() != reflect.Struct {
			return
		}
		if v.CanAddr() {
			if s, ok := v.Addr().Interface().(models.SyncableEntity); ok {
				out = append(out, s)
				return
			}
		}
		ptr := reflect.New(v.Type())
		ptr.Elem().Set(v)
		if s, ok := ptr.Interface().(models.SyncableEntity); ok {
			out = append(out, s)
		}
	}

	val := db.Statement.ReflectValue
	if !val.IsValid() {
		return nil
	}
	switch val.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < val.Len(); i++ {
			add(val.Index(i))
		}
	default:
		add(val)
	}
	return out
}
