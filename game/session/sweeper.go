package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Sweeper runs Manager.Sweep on a fixed interval. A sweep still running when the
// next tick fires is not overlapped; the tick is rescheduled instead.
type Sweeper struct {
	scheduler gocron.Scheduler
	job       gocron.Job
}

// NewSweeper schedules the sweep job. It does not run until Start.
func NewSweeper(m *Manager, interval time.Duration) (*Sweeper, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %s", interval)
	}

	scheduler, err := gocron.NewScheduler(gocron.WithStopTimeout(m.settings.StoreTimeout * 2))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	job, err := scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func(ctx context.Context) {
			if _, err := m.Sweep(ctx); err != nil {
				log.Printf("[SWEEP] sweep failed: %v", err)
			}
		}),
		gocron.WithName("session-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}

	return &Sweeper{scheduler: scheduler, job: job}, nil
}

// Start begins the schedule
func (s *Sweeper) Start() {
	s.scheduler.Start()
}

// RunNow triggers an extra sweep without waiting for it
func (s *Sweeper) RunNow() error {
	return s.job.RunNow()
}

// NextRun reports when the next scheduled sweep fires
func (s *Sweeper) NextRun() (time.Time, error) {
	return s.job.NextRun()
}

// Shutdown cancels a running sweep and stops the schedule
func (s *Sweeper) Shutdown() error {
	return s.scheduler.Shutdown()
}
