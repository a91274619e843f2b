package cli

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/xelth-com/girosync/internal/sync"
)

type fullSyncer interface {
	FullSync(ctx context.Context) (*sync.FullSyncResult, error)
}

// Scheduler runs a full sync round on a fixed interval. A tick that finds a
// round already running is skipped, not queued.
type Scheduler struct {
	engine    fullSyncer
	interval  time.Duration
	onStartup bool
	logger    *log.Logger
}

// NewScheduler creates a scheduler for the engine
func NewScheduler(engine fullSyncer, interval time.Duration, onStartup bool, logger *log.Logger) *Scheduler {
	return &Scheduler{engine: engine, interval: interval, onStartup: onStartup, logger: logger}
}

// Run blocks until ctx is done
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Printf("⏰ Auto sync every %v", s.interval)
	if s.onStartup {
		s.tick(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	result, err := s.engine.FullSync(ctx)
	switch {
	case errors.Is(err, sync.ErrSyncBusy):
		s.logger.Println("⏭️ Scheduled sync skipped, a round is already running")
	case err != nil:
		s.logger.Printf("❌ Scheduled sync failed: %v", err)
	case result != nil && !result.Success:
		s.logger.Printf("⚠️ Scheduled sync: %s", result.Message)
	}
}
