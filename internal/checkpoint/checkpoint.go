// Package checkpoint periodically saves drive progress while a run is
// active, so an interrupted process leaves a recent snapshot behind.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/musthaq16/zone-drive-simulator/internal/log"
)

// SaveFunc persists the current progress.
type SaveFunc func(ctx context.Context) error

// Scheduler runs a SaveFunc on a cron schedule such as "@every 10s".
type Scheduler struct {
	cron *cron.Cron
	save SaveFunc
	lg   *log.Logger

	mu       sync.Mutex
	schedule string
	jobID    cron.EntryID
}

func New(save SaveFunc, lg *log.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		save: save,
		lg:   lg,
	}
}

// Start schedules the job and starts the cron runner. An empty schedule
// disables checkpointing.
func (s *Scheduler) Start(schedule string) error {
	if err := s.UpdateSchedule(schedule); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// UpdateSchedule replaces the current schedule.
func (s *Scheduler) UpdateSchedule(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if schedule == s.schedule && s.jobID != 0 {
		return nil
	}
	var sched cron.Schedule
	if schedule != "" {
		var err error
		if sched, err = cron.ParseStandard(schedule); err != nil {
			return fmt.Errorf("error scheduling checkpoint: %w", err)
		}
	}

	if s.jobID != 0 {
		s.cron.Remove(s.jobID)
		s.jobID = 0
	}
	s.schedule = schedule
	if sched == nil {
		s.lg.Info("Checkpointing disabled")
		return nil
	}
	s.jobID = s.cron.Schedule(sched, cron.FuncJob(s.run))
	s.lg.Info("Checkpoint scheduled", slog.String("schedule", schedule))
	return nil
}

// Schedule returns the active schedule.
func (s *Scheduler) Schedule() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule
}

func (s *Scheduler) run() {
	if err := s.save(context.Background()); err != nil {
		s.lg.Warn("Checkpoint failed", slog.Any("error", err))
	}
}

// Stop halts the runner and waits for a checkpoint in progress.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
