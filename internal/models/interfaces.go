package models

// SkipJournalKey is set on a gorm statement (db.Set) to apply a write without
// recording it in the change journal. Used when applying remote changes.
const SkipJournalKey = "sync:skip_journal"

// SyncableEntity is an interface for models exchanged with the sync server
type SyncableEntity interface {
	GetEntityID() string
	GetEntityType() string
	SetEntityID(id string)
}

// SecretHolder is implemented by models with columns that never leave the
// machine. Remote upserts must not overwrite them.
type SecretHolder interface {
	SecretColumns() []string
}

// Deactivatable is implemented by models that are deactivated instead of
// removed when a remote delete arrives.
type Deactivatable interface {
	DeactivateColumns() map[string]interface{}
}
