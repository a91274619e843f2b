package sync_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xelth-com/girosync/internal/config"
	"github.com/xelth-com/girosync/internal/database"
	"github.com/xelth-com/girosync/internal/models"
	"github.com/xelth-com/girosync/internal/store"
	"github.com/xelth-com/girosync/internal/sync"
	"gorm.io/gorm"
)

// fakeServer keeps a versioned change log shared by several devices. A push
// with a stale base version is a conflict; an identical replay is accepted
// again without a new version.
type fakeServer struct {
	mu      stdsync.Mutex
	version int64
	log     []sync.PullItem
	latest  map[string]sync.PullItem
	resets  []*sync.EntityType
	down    bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{latest: map[string]sync.PullItem{}}
}

func (s *fakeServer) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *fakeServer) push(items []sync.PushItem) (*sync.PushResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, &sync.TransportError{Op: "push", Err: errors.New("connection refused")}
	}

	resp := &sync.PushResponse{Success: true, Processed: len(items)}
	for _, it := range items {
		key := string(it.EntityType) + ":" + it.EntityID
		cur, exists := s.latest[key]
		res := sync.PushResult{EntityType: it.EntityType, EntityID: it.EntityID}
		switch {
		case exists && cur.Operation == it.Operation && bytes.Equal(cur.Data, it.Data):
			res.Status = sync.StatusOK
			res.ServerVersion = cur.Version
		case exists && it.BaseVersion != cur.Version:
			msg := "stale base version"
			res.Status = sync.StatusConflict
			res.ServerVersion = cur.Version
			res.Message = &msg
		default:
			s.version++
			change := sync.PullItem{
				EntityType: it.EntityType,
				EntityID:   it.EntityID,
				Operation:  it.Operation,
				Data:       it.Data,
				Version:    s.version,
			}
			s.log = append(s.log, change)
			s.latest[key] = change
			res.Status = sync.StatusOK
			res.ServerVersion = s.version
		}
		resp.Results = append(resp.Results, res)
	}
	return resp, nil
}

func (s *fakeServer) pull(req sync.PullRequest) (*sync.PullResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, &sync.TransportError{Op: "pull", Err: errors.New("connection refused")}
	}

	resp := &sync.PullResponse{ServerTime: time.Now().UTC().Format(time.RFC3339)}
	for _, change := range s.log {
		if change.EntityType != req.EntityType || change.Version <= req.Since {
			continue
		}
		if len(resp.Items) == req.Limit {
			resp.HasMore = true
			break
		}
		resp.Items = append(resp.Items, change)
	}
	return resp, nil
}

// deviceTransport connects one device to the shared server
type deviceTransport struct {
	srv *fakeServer

	// when set, the first pull blocks until gate is closed
	gate    chan struct{}
	entered chan struct{}
	once    stdsync.Once
}

func (d *deviceTransport) Push(_ context.Context, items []sync.PushItem) (*sync.PushResponse, error) {
	return d.srv.push(items)
}

func (d *deviceTransport) Pull(_ context.Context, req sync.PullRequest) (*sync.PullResponse, error) {
	if d.gate != nil {
		d.once.Do(func() { close(d.entered) })
		<-d.gate
	}
	return d.srv.pull(req)
}

func (d *deviceTransport) Status(context.Context) (*sync.ServerStatus, error) {
	return &sync.ServerStatus{}, nil
}

func (d *deviceTransport) Reset(_ context.Context, t *sync.EntityType) error {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()
	d.srv.resets = append(d.srv.resets, t)
	return nil
}

func (d *deviceTransport) FullSync(context.Context) (*sync.FullSyncResponse, error) {
	return &sync.FullSyncResponse{Success: true}, nil
}

type eventRecorder struct {
	mu     stdsync.Mutex
	events []sync.RoundEvent
}

func (r *eventRecorder) Notify(ev sync.RoundEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []sync.RoundEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sync.RoundEvent(nil), r.events...)
}

type device struct {
	db        *gorm.DB
	store     *store.Store
	engine    *sync.SyncEngine
	transport *deviceTransport
	events    *eventRecorder
}

func newDevice(t *testing.T, srv *fakeServer) *device {
	t.Helper()
	conn, err := database.Connect(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "pos.db"),
		Silent: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.Migrate())

	st, err := store.New(conn.DB)
	require.NoError(t, err)

	d := &device{db: conn.DB, store: st, transport: &deviceTransport{srv: srv}, events: &eventRecorder{}}
	d.engine, err = sync.NewSyncEngine(conn.DB, &config.SyncConfig{BatchSize: 2, PageSize: 2}, sync.Options{
		Store:     st,
		Transport: d.transport,
		Notifier:  d.events,
		Logger:    log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	require.NoError(t, sync.RegisterHooks(conn.DB, d.engine.Journal()))
	return d
}

func (d *device) fullSync(t *testing.T) *sync.FullSyncResult {
	t.Helper()
	result, err := d.engine.FullSync(context.Background())
	require.NoError(t, err)
	return result
}

func (d *device) product(t *testing.T, id string) models.Product {
	t.Helper()
	var p models.Product
	require.NoError(t, d.db.First(&p, "id = ?", id).Error)
	return p
}

func (d *device) count(t *testing.T, et sync.EntityType) int64 {
	t.Helper()
	n, err := d.store.Count(context.Background(), et)
	require.NoError(t, err)
	return n
}

func TestEngine_TwoDevicesConverge(t *testing.T) {
	srv := newFakeServer()
	a, b := newDevice(t, srv), newDevice(t, srv)
	ctx := context.Background()

	catID := "cat-drinks"
	require.NoError(t, a.db.Create(&models.Category{ID: catID, Name: "Drinks"}).Error)
	require.NoError(t, a.db.Create(&models.Product{ID: "p1", Name: "Espresso", CategoryID: &catID, PriceCents: 250, Active: true}).Error)

	result := a.fullSync(t)
	assert.True(t, result.Success)
	assert.Equal(t, sync.RoundSucceeded, result.State)
	assert.Equal(t, 2, result.Pushed)

	result = b.fullSync(t)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Pulled)
	p := b.product(t, "p1")
	assert.Equal(t, "Espresso", p.Name)
	assert.Equal(t, int64(250), p.PriceCents)
	require.NotNil(t, p.CategoryID)
	assert.Equal(t, catID, *p.CategoryID)

	status, err := b.engine.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.PendingChanges, "pulled rows are not journaled")

	// an edit on B travels back to A
	require.NoError(t, b.db.Model(&models.Product{ID: "p1"}).Update("price_cents", 280).Error)
	assert.True(t, b.fullSync(t).Success)
	result = a.fullSync(t)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Pulled)
	assert.Equal(t, int64(280), a.product(t, "p1").PriceCents)

	status, err = a.engine.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.PendingChanges)
	assert.Equal(t, sync.RoundIdle, status.State)
	assert.Equal(t, sync.RoundSucceeded, status.LastOutcome)
	require.NotNil(t, status.LastSync)
	for _, c := range status.EntityCounts {
		if c.EntityType == sync.EntityProduct {
			assert.Equal(t, int64(1), c.Count)
			assert.Equal(t, int64(3), c.SyncedVersion)
		}
	}
}

func TestEngine_ConflictKeepsLocalEdit(t *testing.T) {
	srv := newFakeServer()
	a, b := newDevice(t, srv), newDevice(t, srv)
	ctx := context.Background()

	require.NoError(t, a.db.Create(&models.Product{ID: "p1", Name: "Tea", Active: true}).Error)
	a.fullSync(t)
	b.fullSync(t)

	require.NoError(t, a.db.Model(&models.Product{ID: "p1"}).Update("name", "Green tea").Error)
	require.NoError(t, b.db.Model(&models.Product{ID: "p1"}).Update("name", "Black tea").Error)
	assert.True(t, a.fullSync(t).Success)

	result := b.fullSync(t)
	assert.False(t, result.Success)
	assert.Equal(t, sync.RoundPartiallyFailed, result.State)
	assert.GreaterOrEqual(t, result.Conflicts, 1)
	assert.Equal(t, "Black tea", b.product(t, "p1").Name, "local edit must survive the conflict")

	conflicts, err := b.engine.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "p1", conflicts[0].EntityID)

	attention, err := b.engine.Attention(ctx)
	require.NoError(t, err)
	require.Len(t, attention, 1)

	require.NoError(t, b.engine.ResolveConflict(ctx, conflicts[0].ID, sync.ResolutionKeepLocal, "manager"))
	assert.True(t, b.fullSync(t).Success)
	assert.True(t, a.fullSync(t).Success)
	assert.Equal(t, "Black tea", a.product(t, "p1").Name)
	assert.Equal(t, "Black tea", b.product(t, "p1").Name)

	conflicts, err = b.engine.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestEngine_ResetRepullsWithoutDuplicates(t *testing.T) {
	srv := newFakeServer()
	a, b := newDevice(t, srv), newDevice(t, srv)
	ctx := context.Background()

	products := []models.Product{
		{ID: "p1", Name: "Croissant", Active: true},
		{ID: "p2", Name: "Baguette", Active: true},
		{ID: "p3", Name: "Brioche", Active: false},
	}
	require.NoError(t, a.db.Create(&products).Error)
	a.fullSync(t)
	b.fullSync(t)
	require.Equal(t, int64(3), b.count(t, sync.EntityProduct))

	// a local change that is not on the server yet
	require.NoError(t, b.db.Create(&models.Setting{Key: "receipt_footer", Value: "Danke"}).Error)

	require.NoError(t, b.engine.Reset(ctx, nil))
	require.Len(t, srv.resets, 1)
	assert.Nil(t, srv.resets[0])

	status, err := b.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.PendingChanges, "reset keeps the journal")
	for _, c := range status.EntityCounts {
		assert.Zero(t, c.SyncedVersion)
	}

	summary, err := b.engine.Pull(ctx, []sync.EntityType{sync.EntityProduct})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Applied)
	assert.Equal(t, int64(3), b.count(t, sync.EntityProduct))
	assert.False(t, b.product(t, "p3").Active)
}

func TestEngine_ResetKeepsPendingEditPushable(t *testing.T) {
	srv := newFakeServer()
	a, b := newDevice(t, srv), newDevice(t, srv)
	ctx := context.Background()

	require.NoError(t, a.db.Create(&models.Product{ID: "p1", Name: "Pretzel", PriceCents: 150, Active: true}).Error)
	a.fullSync(t)
	b.fullSync(t)

	require.NoError(t, b.db.Model(&models.Product{ID: "p1"}).Update("price_cents", 180).Error)
	product := sync.EntityProduct
	require.NoError(t, b.engine.Reset(ctx, &product))

	summary, err := b.engine.Pull(ctx, []sync.EntityType{sync.EntityProduct})
	require.NoError(t, err)
	assert.Zero(t, summary.Conflicts)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, int64(180), b.product(t, "p1").PriceCents, "local edit is kept")

	attention, err := b.engine.Attention(ctx)
	require.NoError(t, err)
	assert.Empty(t, attention)
	conflicts, err := b.engine.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	result := b.fullSync(t)
	assert.True(t, result.Success)
	assert.Equal(t, sync.RoundSucceeded, result.State)
	assert.Equal(t, 1, result.Pushed)

	a.fullSync(t)
	assert.Equal(t, int64(180), a.product(t, "p1").PriceCents)
}

func TestEngine_QuarantineUntilReset(t *testing.T) {
	srv := newFakeServer()
	a, b := newDevice(t, srv), newDevice(t, srv)
	ctx := context.Background()

	require.NoError(t, a.db.Create(&models.Product{ID: "p1", Name: "Latte", Active: true}).Error)
	require.NoError(t, a.db.Create(&models.Customer{ID: "k1", Name: "Mara", Active: true}).Error)
	a.fullSync(t)

	require.NoError(t, b.db.Create(&models.LedgerEntry{EntityType: "product", LastPulledVersion: -5}).Error)

	result, err := b.engine.FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, sync.RoundPartiallyFailed, result.State)
	assert.NotEmpty(t, result.Errors)
	assert.Equal(t, int64(1), b.count(t, sync.EntityCustomer), "other types keep syncing")
	assert.Zero(t, b.count(t, sync.EntityProduct))

	status, err := b.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []sync.EntityType{sync.EntityProduct}, status.Quarantined)

	_, err = b.engine.Pull(ctx, []sync.EntityType{sync.EntityProduct})
	assert.ErrorIs(t, err, sync.ErrQuarantined)

	product := sync.EntityProduct
	require.NoError(t, b.engine.Reset(ctx, &product))
	require.Len(t, srv.resets, 1)
	assert.Equal(t, sync.EntityProduct, *srv.resets[0])

	summary, err := b.engine.Pull(ctx, []sync.EntityType{sync.EntityProduct})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Applied)

	status, err = b.engine.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, status.Quarantined)
}

func TestEngine_ServerDownFailsRound(t *testing.T) {
	srv := newFakeServer()
	a := newDevice(t, srv)
	ctx := context.Background()

	require.NoError(t, a.db.Create(&models.Supplier{ID: "s1", Name: "Rösterei Nord"}).Error)
	srv.setDown(true)

	result, err := a.engine.FullSync(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, sync.ErrTransport)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, sync.RoundFailed, result.State)

	status, err := a.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.PendingChanges, "nothing is lost while offline")
	assert.Equal(t, sync.RoundFailed, status.LastOutcome)
	assert.Nil(t, status.LastSync)

	srv.setDown(false)
	assert.True(t, a.fullSync(t).Success)

	history, err := a.engine.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "full", history[0].Kind)
	assert.Equal(t, string(sync.RoundSucceeded), history[0].Status)
	assert.Equal(t, 1, history[0].Pushed)
	assert.Equal(t, string(sync.RoundFailed), history[1].Status)
	assert.NotEmpty(t, history[1].ErrorDetail)

	status, err = a.engine.Status(ctx)
	require.NoError(t, err)
	assert.NotNil(t, status.LastSync)
	assert.Zero(t, status.PendingChanges)
}

func TestEngine_OneRoundAtATime(t *testing.T) {
	srv := newFakeServer()
	a := newDevice(t, srv)
	ctx := context.Background()
	a.transport.gate = make(chan struct{})
	a.transport.entered = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := a.engine.Pull(ctx, nil)
		done <- err
	}()
	<-a.transport.entered

	assert.True(t, a.engine.IsRunning())
	_, err := a.engine.Push(ctx, nil)
	assert.ErrorIs(t, err, sync.ErrSyncBusy)
	_, err = a.engine.FullSync(ctx)
	assert.ErrorIs(t, err, sync.ErrSyncBusy)
	assert.ErrorIs(t, a.engine.Reset(ctx, nil), sync.ErrSyncBusy)

	status, err := a.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, sync.RoundRunning, status.State)

	close(a.transport.gate)
	require.NoError(t, <-done)
	assert.False(t, a.engine.IsRunning())

	_, err = a.engine.Push(ctx, nil)
	assert.NoError(t, err)
}

func TestEngine_PushWhileFullSyncRuns(t *testing.T) {
	srv := newFakeServer()
	a := newDevice(t, srv)
	ctx := context.Background()
	require.NoError(t, a.db.Create(&models.Category{ID: "c1", Name: "Snacks"}).Error)
	a.transport.gate = make(chan struct{})
	a.transport.entered = make(chan struct{})

	done := make(chan *sync.FullSyncResult, 1)
	go func() {
		result, err := a.engine.FullSync(ctx)
		assert.NoError(t, err)
		done <- result
	}()
	<-a.transport.entered

	_, err := a.engine.Push(ctx, []sync.EntityType{sync.EntityCategory})
	assert.ErrorIs(t, err, sync.ErrSyncBusy)

	close(a.transport.gate)
	result := <-done
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Pushed)
	assert.False(t, a.engine.IsRunning())
}

func TestEngine_NotifiesRoundEvents(t *testing.T) {
	srv := newFakeServer()
	a := newDevice(t, srv)
	require.NoError(t, a.db.Create(&models.Employee{ID: "e1", Name: "Jo", Role: "cashier", Active: true}).Error)

	a.fullSync(t)

	events := a.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, sync.EventSyncStarted, events[0].Type)
	assert.Equal(t, sync.RoundRunning, events[0].State)
	assert.Equal(t, sync.EventSyncFinished, events[1].Type)
	assert.Equal(t, "full", events[1].Kind)
	assert.Equal(t, sync.RoundSucceeded, events[1].State)
	assert.Equal(t, 1, events[1].Pushed)
}

func TestNewSyncEngine_RequiresCollaborators(t *testing.T) {
	_, err := sync.NewSyncEngine(nil, nil, sync.Options{})
	assert.Error(t, err)

	_, err = sync.NewSyncEngine(nil, nil, sync.Options{Store: &store.Store{}})
	assert.Error(t, err)

	_, err = sync.NewSyncEngine(nil, &config.SyncConfig{ConflictResolution: "newest_wins"}, sync.Options{
		Store:     &store.Store{},
		Transport: &deviceTransport{srv: newFakeServer()},
	})
	assert.Error(t, err)
}
