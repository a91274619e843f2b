package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/xelth-com/girosync/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Resolution is the action taken for a reported conflict
type Resolution string

const (
	// ResolutionDeferred leaves the conflict pending
	ResolutionDeferred Resolution = "deferred"
	// ResolutionKeepLocal pushes the local change again on top of the server version
	ResolutionKeepLocal Resolution = "keep_local"
	// ResolutionAcceptRemote drops the local change and takes the server state
	ResolutionAcceptRemote Resolution = "accept_remote"
	// ResolutionRetry pushes the local change again unchanged
	ResolutionRetry Resolution = "retry"
	// ResolutionDiscard drops the local change and leaves the local row as is
	ResolutionDiscard Resolution = "discard"
)

// ParseResolution validates a resolution name
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case ResolutionDeferred, ResolutionKeepLocal, ResolutionAcceptRemote, ResolutionRetry, ResolutionDiscard:
		return r, nil
	}
	return "", fmt.Errorf("unknown resolution %q", s)
}

// Resolver decides what to do with a reported conflict
type Resolver interface {
	Resolve(ctx context.Context, c models.SyncConflict) (Resolution, error)
}

// ResolverFunc adapts a function to the Resolver interface
type ResolverFunc func(ctx context.Context, c models.SyncConflict) (Resolution, error)

// Resolve calls f
func (f ResolverFunc) Resolve(ctx context.Context, c models.SyncConflict) (Resolution, error) {
	return f(ctx, c)
}

// NewResolver returns the built-in resolver for a strategy. Item errors are
// domain rejections and always wait for a person, whatever the strategy.
func NewResolver(strategy ConflictResolutionStrategy) (Resolver, error) {
	switch strategy {
	case "", ConflictManual:
		return ResolverFunc(func(context.Context, models.SyncConflict) (Resolution, error) {
			return ResolutionDeferred, nil
		}), nil
	case ConflictServerWins:
		return ResolverFunc(func(_ context.Context, c models.SyncConflict) (Resolution, error) {
			if c.ConflictType == models.ConflictTypeError {
				return ResolutionDeferred, nil
			}
			return ResolutionAcceptRemote, nil
		}), nil
	case ConflictClientWins:
		return ResolverFunc(func(_ context.Context, c models.SyncConflict) (Resolution, error) {
			if c.ConflictType == models.ConflictTypeError {
				return ResolutionDeferred, nil
			}
			return ResolutionKeepLocal, nil
		}), nil
	default:
		return nil, fmt.Errorf("unknown conflict resolution strategy %q", strategy)
	}
}

// ConflictReporter records conflicted and rejected items and executes
// resolutions against the journal, ledger and local store
type ConflictReporter struct {
	db       *gorm.DB
	journal  *Journal
	ledger   *Ledger
	store    LocalStore
	resolver Resolver
	logger   *log.Logger
}

// NewConflictReporter creates a reporter. A nil resolver defers everything.
func NewConflictReporter(db *gorm.DB, journal *Journal, ledger *Ledger, store LocalStore, resolver Resolver, logger *log.Logger) *ConflictReporter {
	if resolver == nil {
		resolver, _ = NewResolver(ConflictManual)
	}
	return &ConflictReporter{
		db:       db,
		journal:  journal,
		ledger:   ledger,
		store:    store,
		resolver: resolver,
		logger:   logger,
	}
}

// ReportPush records a conflict or error verdict for a pushed record
func (cr *ConflictReporter) ReportPush(ctx context.Context, rec models.ChangeRecord, res PushResult) error {
	conflictType := models.ConflictTypePush
	if res.Status == StatusError {
		conflictType = models.ConflictTypeError
	}
	cr.logger.Printf("⚠️ %v", ItemIssue(res))

	return cr.upsert(ctx, models.SyncConflict{
		EntityType:    rec.EntityType,
		EntityID:      rec.EntityID,
		ConflictType:  conflictType,
		Operation:     rec.Operation,
		LocalData:     rec.Payload,
		BaseVersion:   rec.BaseVersion,
		ServerVersion: res.ServerVersion,
		Message:       res.MessageText(),
	})
}

// ReportRemote records a pulled change that was not applied because a local
// edit of the same entity is still pending
func (cr *ConflictReporter) ReportRemote(ctx context.Context, rec models.ChangeRecord, item PullItem) error {
	cr.logger.Printf("⚠️ Remote change to %s:%s (version %d) held back, local edit pending", item.EntityType, item.EntityID, item.Version)

	return cr.upsert(ctx, models.SyncConflict{
		EntityType:    rec.EntityType,
		EntityID:      rec.EntityID,
		ConflictType:  models.ConflictTypeRemote,
		Operation:     rec.Operation,
		LocalData:     rec.Payload,
		RemoteData:    datatypes.JSON(item.Data),
		RemoteOp:      string(item.Operation),
		BaseVersion:   rec.BaseVersion,
		ServerVersion: item.Version,
		Message:       "remote change while local edit pending",
	})
}

// upsert keeps a single pending report per entity, newest facts win
func (cr *ConflictReporter) upsert(ctx context.Context, c models.SyncConflict) error {
	c.Status = models.ConflictStatusPending
	var existing models.SyncConflict
	err := cr.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND status = ?", c.EntityType, c.EntityID, models.ConflictStatusPending).
		Assign(map[string]interface{}{
			"conflict_type":  c.ConflictType,
			"operation":      c.Operation,
			"local_data":     c.LocalData,
			"remote_data":    c.RemoteData,
			"remote_op":      c.RemoteOp,
			"base_version":   c.BaseVersion,
			"server_version": c.ServerVersion,
			"message":        c.Message,
		}).
		Attrs(models.SyncConflict{EntityType: c.EntityType, EntityID: c.EntityID, Status: c.Status}).
		FirstOrCreate(&existing).Error
	if err != nil {
		return fmt.Errorf("failed to record conflict for %s:%s: %w", c.EntityType, c.EntityID, err)
	}
	return nil
}

// Pending returns unresolved reports, oldest first
func (cr *ConflictReporter) Pending(ctx context.Context) ([]models.SyncConflict, error) {
	var conflicts []models.SyncConflict
	err := cr.db.WithContext(ctx).
		Where("status = ?", models.ConflictStatusPending).
		Order("id").
		Find(&conflicts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	return conflicts, nil
}

// Get returns one report
func (cr *ConflictReporter) Get(ctx context.Context, id uint) (*models.SyncConflict, error) {
	var c models.SyncConflict
	if err := cr.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, fmt.Errorf("failed to load conflict %d: %w", id, err)
	}
	return &c, nil
}

// Resolve executes a resolution for one pending report
func (cr *ConflictReporter) Resolve(ctx context.Context, id uint, resolution Resolution, resolvedBy string) error {
	c, err := cr.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != models.ConflictStatusPending {
		return fmt.Errorf("%w: conflict %d is %s", ErrConflictClosed, id, c.Status)
	}
	if resolution == ResolutionDeferred {
		return nil
	}

	t, err := ParseEntityType(c.EntityType)
	if err != nil {
		return err
	}

	switch resolution {
	case ResolutionRetry:
		err = cr.journal.Clear(ctx, t, c.EntityID)

	case ResolutionKeepLocal:
		if c.ConflictType == models.ConflictTypeError {
			err = cr.journal.Clear(ctx, t, c.EntityID)
			break
		}
		if err = cr.journal.Rebase(ctx, t, c.EntityID, c.ServerVersion); err != nil {
			break
		}
		// the server version is superseded by the local change, a later
		// pull of it must not overwrite the local row
		err = cr.store.MarkApplied(ctx, t, c.EntityID, c.ServerVersion)

	case ResolutionAcceptRemote:
		err = cr.acceptRemote(ctx, t, c)

	case ResolutionDiscard:
		err = cr.journal.Discard(ctx, t, c.EntityID)

	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %d (%s): %w", id, resolution, err)
	}

	now := time.Now().UTC()
	err = cr.db.WithContext(ctx).Model(&models.SyncConflict{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      models.ConflictStatusResolved,
			"resolution":  string(resolution),
			"resolved_at": now,
			"resolved_by": resolvedBy,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark conflict %d resolved: %w", id, err)
	}
	cr.logger.Printf("✅ Conflict %d on %s:%s resolved (%s)", id, c.EntityType, c.EntityID, resolution)
	return nil
}

func (cr *ConflictReporter) acceptRemote(ctx context.Context, t EntityType, c *models.SyncConflict) error {
	if err := cr.journal.Discard(ctx, t, c.EntityID); err != nil {
		return err
	}

	// A held-back pulled change carries the server state, apply it directly
	if c.ConflictType == models.ConflictTypeRemote {
		if Operation(c.RemoteOp) == OpDelete {
			return cr.store.DeleteEntity(ctx, t, c.EntityID, c.ServerVersion)
		}
		return cr.store.UpsertEntity(ctx, t, c.EntityID, []byte(c.RemoteData), c.ServerVersion)
	}

	// A push conflict only knows the server version: pull it again
	if c.ServerVersion <= 0 {
		cr.logger.Printf("⚠️ Conflict on %s:%s has no server version, re-pulling %s from scratch", c.EntityType, c.EntityID, t)
	}
	return cr.ledger.Rewind(ctx, t, c.ServerVersion-1)
}

// AutoResolve asks the resolver about every pending report and executes
// the non-deferred answers. It returns how many reports were resolved.
func (cr *ConflictReporter) AutoResolve(ctx context.Context) (int, error) {
	pending, err := cr.Pending(ctx)
	if err != nil {
		return 0, err
	}

	resolved := 0
	var errs []error
	for _, c := range pending {
		resolution, err := cr.resolver.Resolve(ctx, c)
		if err != nil {
			errs = append(errs, fmt.Errorf("resolver failed for conflict %d: %w", c.ID, err))
			continue
		}
		if resolution == ResolutionDeferred {
			continue
		}
		if err := cr.Resolve(ctx, c.ID, resolution, "resolver"); err != nil {
			errs = append(errs, err)
			continue
		}
		resolved++
	}
	return resolved, errors.Join(errs...)
}
