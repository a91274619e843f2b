package sync

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	stdsync "sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xelth-com/girosync/internal/config"
	"github.com/xelth-com/girosync/internal/database"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Connect(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "sync.db"),
		Silent: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return db.DB
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// memStore is a LocalStore keeping rows and applied versions in memory
type memStore struct {
	mu      stdsync.Mutex
	rows    map[string]json.RawMessage
	deleted map[string]bool
	applied map[string]int64
	failOn  map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		rows:    map[string]json.RawMessage{},
		deleted: map[string]bool{},
		applied: map[string]int64{},
		failOn:  map[string]error{},
	}
}

func memKey(t EntityType, id string) string { return string(t) + ":" + id }

func (m *memStore) UpsertEntity(_ context.Context, t EntityType, id string, data json.RawMessage, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(t, id)
	if err := m.failOn[k]; err != nil {
		return err
	}
	m.rows[k] = data
	delete(m.deleted, k)
	m.applied[k] = max(m.applied[k], version)
	return nil
}

func (m *memStore) DeleteEntity(_ context.Context, t EntityType, id string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(t, id)
	if err := m.failOn[k]; err != nil {
		return err
	}
	delete(m.rows, k)
	m.deleted[k] = true
	m.applied[k] = max(m.applied[k], version)
	return nil
}

func (m *memStore) AppliedVersion(_ context.Context, t EntityType, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied[memKey(t, id)], nil
}

func (m *memStore) MarkApplied(_ context.Context, t EntityType, id string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(t, id)
	m.applied[k] = max(m.applied[k], version)
	return nil
}

func (m *memStore) ForgetApplied(_ context.Context, t EntityType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := string(t) + ":"
	for k := range m.applied {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(m.applied, k)
		}
	}
	return nil
}

func (m *memStore) Count(_ context.Context, t EntityType) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := string(t) + ":"
	var n int64
	for k := range m.rows {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			n++
		}
	}
	return n, nil
}

func (m *memStore) row(t EntityType, id string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.rows[memKey(t, id)]
	return data, ok
}

// scriptedTransport answers push and pull calls from queued responses
type scriptedTransport struct {
	mu        stdsync.Mutex
	pushes    []func(items []PushItem) (*PushResponse, error)
	pulls     []func(req PullRequest) (*PullResponse, error)
	pushed    [][]PushItem
	pullReqs  []PullRequest
	resetCall []*EntityType
}

func (s *scriptedTransport) Push(_ context.Context, items []PushItem) (*PushResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushed = append(s.pushed, items)
	if len(s.pushes) == 0 {
		return acceptAll(items), nil
	}
	next := s.pushes[0]
	s.pushes = s.pushes[1:]
	return next(items)
}

func (s *scriptedTransport) Pull(_ context.Context, req PullRequest) (*PullResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pullReqs = append(s.pullReqs, req)
	if len(s.pulls) == 0 {
		return &PullResponse{}, nil
	}
	next := s.pulls[0]
	s.pulls = s.pulls[1:]
	return next(req)
}

func (s *scriptedTransport) Status(context.Context) (*ServerStatus, error) {
	return &ServerStatus{}, nil
}

func (s *scriptedTransport) Reset(_ context.Context, t *EntityType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetCall = append(s.resetCall, t)
	return nil
}

func (s *scriptedTransport) FullSync(context.Context) (*FullSyncResponse, error) {
	return &FullSyncResponse{Success: true}, nil
}

// acceptAll accepts every item with versions 100, 101, ...
func acceptAll(items []PushItem) *PushResponse {
	resp := &PushResponse{Success: true, Processed: len(items)}
	for i, it := range items {
		resp.Results = append(resp.Results, PushResult{
			EntityType:    it.EntityType,
			EntityID:      it.EntityID,
			Status:        StatusOK,
			ServerVersion: int64(100 + i),
		})
	}
	return resp
}

func strPtr(s string) *string { return &s }
