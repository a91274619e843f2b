package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xelth-com/girosync/internal/config"
	"github.com/xelth-com/girosync/internal/models"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Round kinds as stored in sync_history
const (
	roundPush    = "push"
	roundPull    = "pull"
	roundFull    = "full"
	roundReset   = "reset"
	roundResolve = "resolve"
)

// Round event types
const (
	EventSyncStarted  = "SYNC_STARTED"
	EventSyncFinished = "SYNC_FINISHED"
)

// Options carries the collaborators of a SyncEngine
type Options struct {
	Store     LocalStore
	Transport Transport
	// Resolver overrides the built-in resolver chosen by the config
	Resolver Resolver
	Notifier Notifier
	Logger   *log.Logger
}

// SyncEngine runs push, pull, full sync and reset rounds. At most one round
// runs at a time; a second request gets ErrSyncBusy instead of waiting.
// The engine never retries on its own, scheduling is up to the caller.
type SyncEngine struct {
	mu sync.RWMutex

	// Core components
	db        *gorm.DB
	config    config.SyncConfig
	journal   *Journal
	ledger    *Ledger
	history   *History
	reporter  *ConflictReporter
	pusher    *PushProcessor
	puller    *PullProcessor
	store     LocalStore
	transport Transport
	notifier  Notifier
	logger    *log.Logger

	autoResolve bool

	// State
	running     atomic.Bool
	lastOutcome RoundState
	quarantined map[EntityType]error
}

// NewSyncEngine creates a sync engine over the given database
func NewSyncEngine(db *gorm.DB, cfg *config.SyncConfig, opts Options) (*SyncEngine, error) {
	if opts.Store == nil {
		return nil, errors.New("sync engine needs a local store")
	}
	if opts.Transport == nil {
		return nil, errors.New("sync engine needs a transport")
	}

	c := config.SyncConfig{}
	if cfg != nil {
		c = *cfg
	}
	c.Normalize()

	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	strategy := ConflictResolutionStrategy(c.ConflictResolution)
	resolver := opts.Resolver
	if resolver == nil {
		var err error
		if resolver, err = NewResolver(strategy); err != nil {
			return nil, err
		}
	}

	journal := NewJournal(db)
	ledger := NewLedger(db)
	reporter := NewConflictReporter(db, journal, ledger, opts.Store, resolver, logger)
	timeout := c.RequestTimeout()

	se := &SyncEngine{
		db:          db,
		config:      c,
		journal:     journal,
		ledger:      ledger,
		history:     NewHistory(db),
		reporter:    reporter,
		store:       opts.Store,
		transport:   opts.Transport,
		notifier:    opts.Notifier,
		logger:      logger,
		autoResolve: opts.Resolver != nil || (strategy != ConflictManual && strategy != ""),
		lastOutcome: RoundIdle,
		quarantined: make(map[EntityType]error),
	}
	se.pusher = &PushProcessor{
		journal:   journal,
		ledger:    ledger,
		store:     opts.Store,
		transport: opts.Transport,
		reporter:  reporter,
		batchSize: c.BatchSize,
		timeout:   timeout,
		logger:    logger,
	}
	se.puller = &PullProcessor{
		journal:   journal,
		ledger:    ledger,
		store:     opts.Store,
		transport: opts.Transport,
		reporter:  reporter,
		pageSize:  c.PageSize,
		maxPages:  c.MaxPages,
		timeout:   timeout,
		logger:    logger,
	}
	return se, nil
}

// Journal returns the change journal, e.g. to register capture hooks on it
func (se *SyncEngine) Journal() *Journal {
	return se.journal
}

// Config returns the effective configuration
func (se *SyncEngine) Config() config.SyncConfig {
	return se.config
}

// IsRunning reports whether a round is in progress
func (se *SyncEngine) IsRunning() bool {
	return se.running.Load()
}

// ============ ROUNDS ============

// Push sends pending local changes of the given types. Item conflicts and
// errors are part of the summary; the error is set when the round failed.
func (se *SyncEngine) Push(ctx context.Context, types []EntityType) (PushSummary, error) {
	types = withDefaultTypes(types)
	r, err := se.begin(roundPush, types)
	if err != nil {
		return PushSummary{}, err
	}
	defer se.end(ctx, r)

	var summary PushSummary
	for _, t := range types {
		if err := se.checkQuarantine(t); err != nil {
			r.fail(t, err)
			continue
		}
		s, err := se.pusher.pushType(ctx, t)
		summary.merge(s)
		r.addPush(s)
		if err != nil {
			se.typeFailed(r, t, err)
			if isFatal(err) {
				break
			}
		}
	}

	se.runResolver(ctx, r)
	return summary, r.err()
}

// Pull fetches and applies server-side changes of the given types
func (se *SyncEngine) Pull(ctx context.Context, types []EntityType) (PullSummary, error) {
	types = withDefaultTypes(types)
	r, err := se.begin(roundPull, types)
	if err != nil {
		return PullSummary{}, err
	}
	defer se.end(ctx, r)

	var summary PullSummary
	for _, t := range types {
		if err := se.checkQuarantine(t); err != nil {
			r.fail(t, err)
			continue
		}
		s, err := se.puller.pullType(ctx, t)
		summary.merge(s)
		r.addPull(s)
		if err != nil {
			se.typeFailed(r, t, err)
			if isFatal(err) {
				break
			}
		}
	}

	se.runResolver(ctx, r)
	return summary, r.err()
}

// FullSync pushes and then pulls every entity type. Types are independent of
// each other and run on up to ParallelWorkers goroutines. A conflict or a
// broken type does not stop the others; a transport failure stops the round.
func (se *SyncEngine) FullSync(ctx context.Context) (*FullSyncResult, error) {
	types := AllEntityTypes()
	r, err := se.begin(roundFull, types)
	if err != nil {
		return nil, err
	}
	defer se.end(ctx, r)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(se.config.ParallelWorkers)
	for _, t := range types {
		g.Go(func() error {
			return se.syncType(gctx, r, t)
		})
	}
	_ = g.Wait()

	se.runResolver(ctx, r)

	state := r.outcome()
	result := &FullSyncResult{
		Success:   state == RoundSucceeded,
		State:     state,
		Pushed:    r.pushed,
		Pulled:    r.pulled,
		Conflicts: r.conflicts,
	}
	for _, e := range r.errs {
		result.Errors = append(result.Errors, e.Error())
	}

	switch state {
	case RoundSucceeded:
		result.Message = fmt.Sprintf("Sync complete: %d pushed, %d pulled", r.pushed, r.pulled)
	case RoundPartiallyFailed:
		result.Message = fmt.Sprintf("Sync finished with problems: %d pushed, %d pulled, %d conflicts, %d errors",
			r.pushed, r.pulled, r.conflicts, len(r.errs))
	default:
		err := r.err()
		result.Message = fmt.Sprintf("Sync failed: %v", err)
		return result, err
	}
	return result, nil
}

func (se *SyncEngine) syncType(ctx context.Context, r *round, t EntityType) error {
	if err := ctx.Err(); err != nil {
		if !r.hasFatal() {
			r.fail(t, &TransportError{Op: "full sync", Err: err})
		}
		return err
	}
	if err := se.checkQuarantine(t); err != nil {
		r.fail(t, err)
		return nil
	}

	ps, err := se.pusher.pushType(ctx, t)
	r.addPush(ps)
	if err != nil {
		se.typeFailed(r, t, err)
		if isFatal(err) {
			return err
		}
		return nil
	}

	pl, err := se.puller.pullType(ctx, t)
	r.addPull(pl)
	if err != nil {
		se.typeFailed(r, t, err)
		if isFatal(err) {
			return err
		}
	}
	return nil
}

// Reset forgets what was pulled for one type, or for all types when t is
// nil, so the next pull fetches everything again. Pending local changes are
// kept. A quarantined type is released. The server is told about the reset
// on a best-effort basis.
func (se *SyncEngine) Reset(ctx context.Context, t *EntityType) error {
	types := AllEntityTypes()
	if t != nil {
		types = []EntityType{*t}
	}
	r, err := se.begin(roundReset, types)
	if err != nil {
		return err
	}
	defer se.end(ctx, r)

	if err := se.ledger.Reset(ctx, types); err != nil {
		for _, rt := range types {
			r.fail(rt, err)
		}
		return r.err()
	}
	for _, rt := range types {
		if err := se.store.ForgetApplied(ctx, rt); err != nil {
			r.fail(rt, err)
			continue
		}
		se.release(rt)
	}

	callCtx, cancel := context.WithTimeout(ctx, se.config.RequestTimeout())
	defer cancel()
	if err := se.transport.Reset(callCtx, t); err != nil {
		se.logger.Printf("⚠️ Server-side reset failed, local state was reset anyway: %v", err)
	}

	return r.err()
}

// ResolveConflict executes a resolution for one reported conflict
func (se *SyncEngine) ResolveConflict(ctx context.Context, id uint, resolution Resolution, resolvedBy string) error {
	r, err := se.begin(roundResolve, nil)
	if err != nil {
		return err
	}
	defer se.end(ctx, r)

	if err := se.reporter.Resolve(ctx, id, resolution, resolvedBy); err != nil {
		r.fail("", err)
	}
	return r.err()
}

// runResolver hands pending conflicts to the configured resolver
func (se *SyncEngine) runResolver(ctx context.Context, r *round) {
	if !se.autoResolve {
		return
	}
	n, err := se.reporter.AutoResolve(ctx)
	if n > 0 {
		se.logger.Printf("🔧 Resolver settled %d conflicts", n)
	}
	if err != nil {
		se.logger.Printf("⚠️ Resolver: %v", err)
		r.fail("", err)
	}
}

// ============ READ-ONLY ============

// Status returns the local sync state. It never waits for a running round.
func (se *SyncEngine) Status(ctx context.Context) (*SyncStatus, error) {
	counts, err := se.journal.Counts(ctx)
	if err != nil {
		return nil, err
	}

	status := &SyncStatus{
		State:          RoundIdle,
		PendingChanges: counts.Total(),
		NeedsAttention: counts.TotalAttention(),
	}
	if se.running.Load() {
		status.State = RoundRunning
	}

	for _, t := range AllEntityTypes() {
		entry, err := se.ledger.Get(ctx, t)
		if err != nil {
			se.logger.Printf("⚠️ Status: %v", err)
		}
		n, err := se.store.Count(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", t, err)
		}
		status.EntityCounts = append(status.EntityCounts, EntityCount{
			EntityType:    t,
			Count:         n,
			LastVersion:   max(entry.LastPushedVersion, entry.LastPulledVersion),
			SyncedVersion: entry.LastPulledVersion,
			Pending:       counts.Pending[t],
		})
	}

	if status.LastSync, err = se.history.LastFullSync(ctx); err != nil {
		return nil, err
	}

	se.mu.RLock()
	status.LastOutcome = se.lastOutcome
	for t := range se.quarantined {
		status.Quarantined = append(status.Quarantined, t)
	}
	se.mu.RUnlock()
	sort.Slice(status.Quarantined, func(i, j int) bool { return status.Quarantined[i] < status.Quarantined[j] })

	return status, nil
}

// Conflicts returns the unresolved conflict reports
func (se *SyncEngine) Conflicts(ctx context.Context) ([]models.SyncConflict, error) {
	return se.reporter.Pending(ctx)
}

// Attention returns the journal records held back from pushing
func (se *SyncEngine) Attention(ctx context.Context) ([]models.ChangeRecord, error) {
	return se.journal.ListAttention(ctx)
}

// History returns the latest rounds, newest first
func (se *SyncEngine) History(ctx context.Context, limit int) ([]models.SyncHistory, error) {
	return se.history.Recent(ctx, limit)
}

// RemoteStatus asks the server for its view of this device
func (se *SyncEngine) RemoteStatus(ctx context.Context) (*ServerStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, se.config.RequestTimeout())
	defer cancel()
	return se.transport.Status(callCtx)
}

// RemoteFullSync asks the server to run its own full sync for this device.
// Nothing is applied locally.
func (se *SyncEngine) RemoteFullSync(ctx context.Context) (*FullSyncResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, se.config.RequestTimeout())
	defer cancel()
	return se.transport.FullSync(callCtx)
}

// ============ ROUND BOOKKEEPING ============

func (se *SyncEngine) begin(kind string, types []EntityType) (*round, error) {
	if !se.running.CompareAndSwap(false, true) {
		se.logger.Printf("⏳ %s requested while a round is in progress", kind)
		return nil, ErrSyncBusy
	}

	r := &round{
		kind:    kind,
		types:   types,
		started: time.Now().UTC(),
		failed:  make(map[EntityType]bool),
	}
	se.logger.Printf("🔄 Sync round %s started [%s]", kind, strings.Join(typeNames(types), ","))
	se.notify(RoundEvent{Type: EventSyncStarted, Kind: kind, State: RoundRunning, At: r.started})
	return r, nil
}

func (se *SyncEngine) end(ctx context.Context, r *round) {
	r.state = r.outcome()
	duration := time.Since(r.started)

	if err := se.history.Record(context.WithoutCancel(ctx), r); err != nil {
		se.logger.Printf("⚠️ %v", err)
	}

	se.mu.Lock()
	se.lastOutcome = r.state
	se.mu.Unlock()
	se.running.Store(false)

	switch r.state {
	case RoundSucceeded:
		se.logger.Printf("✅ Sync round %s succeeded in %v (%d pushed, %d pulled)", r.kind, duration, r.pushed, r.pulled)
	case RoundPartiallyFailed:
		se.logger.Printf("⚠️ Sync round %s partially failed in %v (%d pushed, %d pulled, %d conflicts, %d errors)",
			r.kind, duration, r.pushed, r.pulled, r.conflicts, len(r.errs))
	default:
		se.logger.Printf("❌ Sync round %s failed in %v: %v", r.kind, duration, r.err())
	}

	ev := RoundEvent{
		Type:      EventSyncFinished,
		Kind:      r.kind,
		State:     r.state,
		Pushed:    r.pushed,
		Pulled:    r.pulled,
		Conflicts: r.conflicts,
		At:        time.Now().UTC(),
	}
	if err := r.err(); err != nil {
		ev.Error = err.Error()
	}
	se.notify(ev)
}

func (se *SyncEngine) notify(ev RoundEvent) {
	if se.notifier != nil {
		se.notifier.Notify(ev)
	}
}

func (se *SyncEngine) typeFailed(r *round, t EntityType, err error) {
	r.fail(t, err)
	if errors.Is(err, ErrLedgerCorruption) {
		se.logger.Printf("🚫 %s quarantined until reset: %v", t, err)
		se.mu.Lock()
		se.quarantined[t] = err
		se.mu.Unlock()
	}
}

func (se *SyncEngine) checkQuarantine(t EntityType) error {
	se.mu.RLock()
	cause, ok := se.quarantined[t]
	se.mu.RUnlock()
	if ok {
		return fmt.Errorf("%w: %s needs a reset (%v)", ErrQuarantined, t, cause)
	}
	return nil
}

func (se *SyncEngine) release(t EntityType) {
	se.mu.Lock()
	delete(se.quarantined, t)
	se.mu.Unlock()
}

func withDefaultTypes(types []EntityType) []EntityType {
	if len(types) == 0 {
		return AllEntityTypes()
	}
	return types
}

func isFatal(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrRejected)
}

// round collects the outcome of one round. Full sync workers update it
// concurrently.
type round struct {
	mu sync.Mutex

	kind    string
	types   []EntityType
	started time.Time
	state   RoundState

	pushed    int
	pulled    int
	conflicts int
	errs      []error
	failed    map[EntityType]bool
	fatal     error
}

func (r *round) addPush(s PushSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range s.Results {
		if res.Status == StatusOK {
			r.pushed++
		} else {
			r.conflicts++
		}
	}
}

func (r *round) addPull(s PullSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulled += s.Applied
	r.conflicts += s.Conflicts
}

func (r *round) fail(t EntityType, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
	if t != "" {
		r.failed[t] = true
	}
	if isFatal(err) && r.fatal == nil {
		r.fatal = err
	}
}

func (r *round) hasFatal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal != nil
}

// outcome: a transport failure, or every type failing, fails the round.
// Conflicts and single broken types make it partial.
func (r *round) outcome() RoundState {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.fatal != nil:
		return RoundFailed
	case len(r.errs) > 0 && (len(r.types) == 0 || len(r.failed) == len(r.types)):
		return RoundFailed
	case len(r.errs) > 0 || r.conflicts > 0:
		return RoundPartiallyFailed
	default:
		return RoundSucceeded
	}
}

func (r *round) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal != nil {
		return r.fatal
	}
	return errors.Join(r.errs...)
}
