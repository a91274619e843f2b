package sync

import (
	"context"
	"encoding/json"
)

// Transport is the request/response channel to the sync server. Failures to
// reach the server must be returned as *TransportError.
type Transport interface {
	Push(ctx context.Context, items []PushItem) (*PushResponse, error)
	Pull(ctx context.Context, req PullRequest) (*PullResponse, error)
	Status(ctx context.Context) (*ServerStatus, error)
	Reset(ctx context.Context, entityType *EntityType) error
	FullSync(ctx context.Context) (*FullSyncResponse, error)
}

// LocalStore is the local business database as seen by the engine. Every
// write records the applied server version in the same transaction.
type LocalStore interface {
	UpsertEntity(ctx context.Context, t EntityType, id string, data json.RawMessage, version int64) error
	DeleteEntity(ctx context.Context, t EntityType, id string, version int64) error
	AppliedVersion(ctx context.Context, t EntityType, id string) (int64, error)
	MarkApplied(ctx context.Context, t EntityType, id string, version int64) error
	ForgetApplied(ctx context.Context, t EntityType) error
	Count(ctx context.Context, t EntityType) (int64, error)
}

// Notifier receives round events, e.g. to forward them to UI clients
type Notifier interface {
	Notify(event RoundEvent)
}
