package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xelth-com/girosync/internal/models"
)

func page(hasMore bool, items ...PullItem) func(PullRequest) (*PullResponse, error) {
	return func(PullRequest) (*PullResponse, error) {
		return &PullResponse{Items: items, HasMore: hasMore, ServerTime: "2024-05-01T10:00:00Z"}, nil
	}
}

func item(et EntityType, id string, version int64) PullItem {
	return PullItem{
		EntityType: et,
		EntityID:   id,
		Operation:  OpUpdate,
		Data:       json.RawMessage(fmt.Sprintf(`{"id":%q,"v":%d}`, id, version)),
		Version:    version,
	}
}

func TestPull_PagesUntilDone(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()

	f.transport.pulls = append(f.transport.pulls,
		page(true, item(EntityProduct, "p1", 3), item(EntityProduct, "p2", 4)),
		page(false, item(EntityProduct, "p3", 7)),
	)

	summary, err := f.puller.Pull(ctx, []EntityType{EntityProduct})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Applied)
	assert.False(t, summary.HasMore)

	require.Len(t, f.transport.pullReqs, 2)
	assert.Equal(t, PullRequest{EntityType: EntityProduct, Since: 0, Limit: 2}, f.transport.pullReqs[0])
	assert.Equal(t, int64(4), f.transport.pullReqs[1].Since)

	entry, _ := f.ledger.Get(ctx, EntityProduct)
	assert.Equal(t, int64(7), entry.LastPulledVersion)
	_, ok := f.store.row(EntityProduct, "p3")
	assert.True(t, ok)
}

func TestPull_PageBudget(t *testing.T) {
	f := newProcessorFixture(t)
	f.puller.maxPages = 2
	f.transport.pulls = append(f.transport.pulls,
		page(true, item(EntityCategory, "c1", 1)),
		page(true, item(EntityCategory, "c2", 2)),
		page(false, item(EntityCategory, "c3", 3)),
	)

	summary, err := f.puller.Pull(context.Background(), []EntityType{EntityCategory})
	require.NoError(t, err)
	assert.True(t, summary.HasMore)
	assert.Equal(t, 2, summary.Applied)
	assert.Len(t, f.transport.pullReqs, 2)
}

func TestPull_PartialFailureKeepsWatermarkBelowFailedItem(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	f.store.failOn[memKey(EntityProduct, "bad")] = errors.New("disk full")

	f.transport.pulls = append(f.transport.pulls,
		page(false, item(EntityProduct, "p1", 5), item(EntityProduct, "bad", 6), item(EntityProduct, "p3", 7)),
	)

	summary, err := f.puller.Pull(ctx, []EntityType{EntityProduct})
	require.Error(t, err)
	assert.Equal(t, 1, summary.Applied)

	entry, _ := f.ledger.Get(ctx, EntityProduct)
	assert.Equal(t, int64(5), entry.LastPulledVersion)

	// once the store recovers, the next pull resumes at the failed item
	delete(f.store.failOn, memKey(EntityProduct, "bad"))
	f.transport.pulls = append(f.transport.pulls,
		func(req PullRequest) (*PullResponse, error) {
			assert.Equal(t, int64(5), req.Since)
			return &PullResponse{Items: []PullItem{item(EntityProduct, "bad", 6), item(EntityProduct, "p3", 7)}}, nil
		},
	)
	summary, err = f.puller.Pull(ctx, []EntityType{EntityProduct})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Applied)
	entry, _ = f.ledger.Get(ctx, EntityProduct)
	assert.Equal(t, int64(7), entry.LastPulledVersion)
}

func TestPull_OutOfOrderFailureDoesNotSkip(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	f.store.failOn[memKey(EntityProduct, "low")] = errors.New("locked")

	f.transport.pulls = append(f.transport.pulls,
		page(false, item(EntityProduct, "high", 9), item(EntityProduct, "low", 4)),
	)
	_, err := f.puller.Pull(ctx, []EntityType{EntityProduct})
	require.Error(t, err)

	entry, _ := f.ledger.Get(ctx, EntityProduct)
	assert.Equal(t, int64(3), entry.LastPulledVersion)
}

func TestPull_TransportFailureKeepsWatermark(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.AdvancePulled(ctx, EntitySetting, 12))

	f.transport.pulls = append(f.transport.pulls, func(PullRequest) (*PullResponse, error) {
		return nil, &TransportError{Op: "pull", Err: errors.New("timeout")}
	})
	_, err := f.puller.Pull(ctx, []EntityType{EntitySetting})
	assert.ErrorIs(t, err, ErrTransport)

	entry, _ := f.ledger.Get(ctx, EntitySetting)
	assert.Equal(t, int64(12), entry.LastPulledVersion)
}

func TestPull_VersionGuard(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.MarkApplied(ctx, EntityProduct, "own", 8))

	f.transport.pulls = append(f.transport.pulls,
		page(false, item(EntityProduct, "own", 8), item(EntityProduct, "p2", 9)),
	)
	summary, err := f.puller.Pull(ctx, []EntityType{EntityProduct})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Applied)
	assert.Equal(t, 1, summary.Skipped)
	_, ok := f.store.row(EntityProduct, "own")
	assert.False(t, ok, "our own accepted push must not be applied again")

	// replaying the same page changes nothing
	f.transport.pulls = append(f.transport.pulls,
		page(false, item(EntityProduct, "p2", 9)),
	)
	summary, err = f.puller.Pull(ctx, []EntityType{EntityProduct})
	require.NoError(t, err)
	assert.Zero(t, summary.Applied)
}

func TestPull_PendingLocalEditIsNotOverwritten(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	f.record(t, EntityCustomer, "k1")

	f.transport.pulls = append(f.transport.pulls,
		page(false, item(EntityCustomer, "k1", 14), item(EntityCustomer, "k2", 15)),
	)
	summary, err := f.puller.Pull(ctx, []EntityType{EntityCustomer})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Conflicts)
	assert.Equal(t, 1, summary.Applied)

	_, ok := f.store.row(EntityCustomer, "k1")
	assert.False(t, ok)
	rec, _ := f.journal.Find(ctx, EntityCustomer, "k1")
	require.NotNil(t, rec)
	assert.True(t, rec.NeedsAttention)
	assert.JSONEq(t, `{"id":"k1"}`, string(rec.Payload))

	conflicts, _ := f.reporter.Pending(ctx)
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ConflictTypeRemote, conflicts[0].ConflictType)
	assert.Equal(t, int64(14), conflicts[0].ServerVersion)

	entry, _ := f.ledger.Get(ctx, EntityCustomer)
	assert.Equal(t, int64(15), entry.LastPulledVersion)
}

func TestPull_KnownBaseVersionIsNotAConflict(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	f.record(t, EntityCustomer, "k1")
	require.NoError(t, f.journal.Rebase(ctx, EntityCustomer, "k1", 14))

	f.transport.pulls = append(f.transport.pulls,
		page(false, item(EntityCustomer, "k1", 14)),
	)
	summary, err := f.puller.Pull(ctx, []EntityType{EntityCustomer})
	require.NoError(t, err)
	assert.Zero(t, summary.Conflicts)
	assert.Equal(t, 1, summary.Skipped)

	_, ok := f.store.row(EntityCustomer, "k1")
	assert.False(t, ok, "local edit is kept")
	applied, err := f.store.AppliedVersion(ctx, EntityCustomer, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(14), applied)

	rec, _ := f.journal.Find(ctx, EntityCustomer, "k1")
	require.NotNil(t, rec)
	assert.False(t, rec.NeedsAttention)
	conflicts, _ := f.reporter.Pending(ctx)
	assert.Empty(t, conflicts)
}

func TestPull_IgnoresForeignTypesAndAppliesDeletes(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertEntity(ctx, EntitySupplier, "s1", json.RawMessage(`{}`), 1))

	del := PullItem{EntityType: EntitySupplier, EntityID: "s1", Operation: OpDelete, Version: 5}
	f.transport.pulls = append(f.transport.pulls,
		page(false, del, item(EntityProduct, "p9", 6)),
	)
	summary, err := f.puller.Pull(ctx, []EntityType{EntitySupplier})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Applied)

	_, ok := f.store.row(EntitySupplier, "s1")
	assert.False(t, ok)
	_, ok = f.store.row(EntityProduct, "p9")
	assert.False(t, ok)
	entry, _ := f.ledger.Get(ctx, EntitySupplier)
	assert.Equal(t, int64(5), entry.LastPulledVersion)
}

func TestPull_StopsWhenServerMakesNoProgress(t *testing.T) {
	f := newProcessorFixture(t)
	f.transport.pulls = append(f.transport.pulls, page(true), page(true), page(true))

	summary, err := f.puller.Pull(context.Background(), []EntityType{EntityEmployee})
	require.NoError(t, err)
	assert.True(t, summary.HasMore)
	assert.Len(t, f.transport.pullReqs, 1)
}
