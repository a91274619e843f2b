package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xelth-com/girosync/internal/config"
	"github.com/xelth-com/girosync/internal/database"
	"github.com/xelth-com/girosync/internal/models"
	"github.com/xelth-com/girosync/internal/sync"
	"gorm.io/gorm"
)

func setupStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db, err := database.Connect(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "store.db"),
		Silent: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	require.NoError(t, sync.RegisterHooks(db.DB, sync.NewJournal(db.DB)))

	s, err := New(db.DB)
	require.NoError(t, err)
	return s, db.DB
}

func journalSize(t *testing.T, db *gorm.DB) int64 {
	var n int64
	require.NoError(t, db.Model(&models.ChangeRecord{}).Count(&n).Error)
	return n
}

func TestUpsertEntity_InsertAndUpdate(t *testing.T) {
	s, db := setupStore(t)
	ctx := context.Background()

	data := json.RawMessage(`{"id":"ignored","name":"Espresso","price_cents":250,"active":true}`)
	require.NoError(t, s.UpsertEntity(ctx, sync.EntityProduct, "p1", data, 3))

	var p models.Product
	require.NoError(t, db.First(&p, "id = ?", "p1").Error)
	assert.Equal(t, "Espresso", p.Name)
	assert.Equal(t, int64(250), p.PriceCents)

	data = json.RawMessage(`{"name":"Espresso doppio","price_cents":380,"active":false}`)
	require.NoError(t, s.UpsertEntity(ctx, sync.EntityProduct, "p1", data, 5))
	require.NoError(t, db.First(&p, "id = ?", "p1").Error)
	assert.Equal(t, "Espresso doppio", p.Name)
	assert.False(t, p.Active)

	v, err := s.AppliedVersion(ctx, sync.EntityProduct, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	n, err := s.Count(ctx, sync.EntityProduct)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Equal(t, int64(0), journalSize(t, db), "remote writes must not be journaled")
}

func TestUpsertEntity_KeepsSecrets(t *testing.T) {
	s, db := setupStore(t)
	ctx := context.Background()

	require.NoError(t, db.Set(models.SkipJournalKey, true).
		Create(&models.Employee{ID: "e1", Name: "Ana", Active: true, PinHash: "$2a$local"}).Error)

	data := json.RawMessage(`{"name":"Ana Souza","role":"manager","active":true,"pin_hash":"from-server"}`)
	require.NoError(t, s.UpsertEntity(ctx, sync.EntityEmployee, "e1", data, 2))

	var e models.Employee
	require.NoError(t, db.First(&e, "id = ?", "e1").Error)
	assert.Equal(t, "Ana Souza", e.Name)
	assert.Equal(t, "manager", e.Role)
	assert.Equal(t, "$2a$local", e.PinHash)
}

func TestDeleteEntity(t *testing.T) {
	s, db := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertEntity(ctx, sync.EntityCategory, "c1", json.RawMessage(`{"name":"Drinks"}`), 1))
	require.NoError(t, s.UpsertEntity(ctx, sync.EntityCustomer, "k1", json.RawMessage(`{"name":"Bob","active":true}`), 1))

	require.NoError(t, s.DeleteEntity(ctx, sync.EntityCategory, "c1", 2))
	require.NoError(t, s.DeleteEntity(ctx, sync.EntityCustomer, "k1", 2))
	// deleting twice is fine
	require.NoError(t, s.DeleteEntity(ctx, sync.EntityCategory, "c1", 2))

	var cats int64
	db.Model(&models.Category{}).Count(&cats)
	assert.Equal(t, int64(0), cats)

	var k models.Customer
	require.NoError(t, db.First(&k, "id = ?", "k1").Error)
	assert.False(t, k.Active, "customers are deactivated, not removed")

	var ev models.EntityVersion
	require.NoError(t, db.Where("entity_type = ? AND entity_id = ?", "category", "c1").Take(&ev).Error)
	assert.Equal(t, int64(2), ev.Version)
	assert.True(t, ev.Deleted)
	assert.Equal(t, int64(0), journalSize(t, db))
}

func TestSettingsKeyedByKey(t *testing.T) {
	s, db := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertEntity(ctx, sync.EntitySetting, "currency", json.RawMessage(`{"value":"BRL"}`), 4))
	var st models.Setting
	require.NoError(t, db.First(&st, "key = ?", "currency").Error)
	assert.Equal(t, "BRL", st.Value)
}

func TestMarkApplied_NeverLowers(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkApplied(ctx, sync.EntitySupplier, "s1", 9))
	require.NoError(t, s.MarkApplied(ctx, sync.EntitySupplier, "s1", 4))
	v, err := s.AppliedVersion(ctx, sync.EntitySupplier, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), v)

	require.NoError(t, s.ForgetApplied(ctx, sync.EntitySupplier))
	v, err = s.AppliedVersion(ctx, sync.EntitySupplier, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestLocalWritesAreJournaled(t *testing.T) {
	_, db := setupStore(t)

	p := models.Product{Name: "Croissant", PriceCents: 300, Active: true}
	require.NoError(t, db.Create(&p).Error)
	p.PriceCents = 320
	require.NoError(t, db.Save(&p).Error)

	var rec models.ChangeRecord
	require.NoError(t, db.Where("entity_type = ? AND entity_id = ?", "product", p.ID).Take(&rec).Error)
	assert.Equal(t, "create", rec.Operation)
	assert.Equal(t, int64(2), rec.Revision)
	assert.Contains(t, string(rec.Payload), `"price_cents":320`)
}

func TestUnknownType(t *testing.T) {
	s, _ := setupStore(t)
	err := s.UpsertEntity(context.Background(), sync.EntityType("invoice"), "x", json.RawMessage(`{}`), 1)
	assert.Error(t, err)
}
