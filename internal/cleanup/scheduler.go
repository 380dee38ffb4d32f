package cleanup

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the cleanup service on a cron schedule.
type Scheduler struct {
	service  *Service
	logger   *slog.Logger
	schedule string
	cron     *cron.Cron

	running bool
	mu      sync.Mutex
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// NewScheduler creates a scheduler around service. schedule accepts the
// standard cron grammar plus descriptors like "@every 5m".
func NewScheduler(service *Service, schedule string, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		service:  service,
		logger:   logger,
		schedule: schedule,
		stopCh:   make(chan struct{}),
	}
}

// Start begins scheduled sweeps and runs one immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("cleanup scheduler started", "schedule", s.schedule)

	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		s.runCleanup(ctx)
	})
	if err != nil {
		s.logger.Error("failed to add cleanup job to cron", "error", err)
		return err
	}
	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runCleanup(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-s.stopCh
		s.cron.Stop()
	}()

	return nil
}

// Stop stops the scheduler gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping cleanup scheduler...")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("cleanup scheduler stopped")
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	result, err := s.service.Run(ctx)
	if err != nil {
		s.logger.Error("cleanup failed",
			"error", err,
			"checkpoints_deleted", result.CheckpointsDeleted,
			"tokens_purged", result.TokensPurged,
			"duration_ms", result.DurationMS,
		)
		return
	}

	s.logger.Info("cleanup completed",
		"checkpoints_deleted", result.CheckpointsDeleted,
		"tokens_purged", result.TokensPurged,
		"duration_ms", result.DurationMS,
	)
}
