// Package scheduler owns one cron trigger per enabled job and reloads the
// registry when job definitions change.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/logriverlabs/logriver/model"
)

type jobStore interface {
	GetJobs(ctx context.Context) ([]model.Job, error)
	GetJob(ctx context.Context, id string) (model.Job, error)
}

type executor interface {
	RunJob(ctx context.Context, job model.Job) (model.ExecutionResult, error)
}

type writerDropper interface {
	DropJob(jobID string)
}

type entry struct {
	id          cron.EntryID
	fingerprint string
}

type Scheduler struct {
	cron    *cron.Cron
	store   jobStore
	runner  executor
	writers writerDropper
	log     logger.Logger

	reloadInterval config.ValueLoader[time.Duration]

	// entries is mutated only by Start's goroutine (initial load + reload
	// ticks), so it needs no lock.
	entries map[string]entry
}

func New(store jobStore, runner executor, writers writerDropper, conf *config.Config, log logger.Logger) *Scheduler {
	return &Scheduler{
		cron:           cron.New(),
		store:          store,
		runner:         runner,
		writers:        writers,
		log:            log.Child("scheduler"),
		reloadInterval: conf.GetReloadableDurationVar(30, time.Second, "Scheduler.reloadInterval"),
		entries:        map[string]entry{},
	}
}

// Start loads the enabled jobs, starts the cron loop, and reloads triggers
// periodically until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	defer func() {
		stopped := s.cron.Stop()
		<-stopped.Done()
	}()

	ticker := time.NewTicker(s.reloadInterval.Load())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.reload(ctx); err != nil {
				s.log.Errorn("reload failed", obskit.Error(err))
			}
			ticker.Reset(s.reloadInterval.Load())
		}
	}
}

// reload diffs the registry against the store. A changed definition is an
// atomic cancel-then-register, never a leaked duplicate trigger; a removed
// or re-defined job also drops its writer so batch state is rebuilt.
func (s *Scheduler) reload(ctx context.Context) error {
	jobs, err := s.store.GetJobs(ctx)
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}
	seen := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		seen[job.ID] = struct{}{}
		fp := fingerprint(job)
		if existing, ok := s.entries[job.ID]; ok {
			if existing.fingerprint == fp {
				continue
			}
			s.cron.Remove(existing.id)
			delete(s.entries, job.ID)
			s.writers.DropJob(job.ID)
		}
		if err := s.register(job, fp); err != nil {
			s.log.Errorn("failed to schedule job",
				logger.NewStringField("jobId", job.ID),
				logger.NewStringField("schedule", job.Schedule),
				obskit.Error(err))
		}
	}
	for id, existing := range s.entries {
		if _, ok := seen[id]; ok {
			continue
		}
		s.cron.Remove(existing.id)
		delete(s.entries, id)
		s.writers.DropJob(id)
	}
	return nil
}

func (s *Scheduler) register(job model.Job, fp string) error {
	jobID := job.ID
	id, err := s.cron.AddFunc(job.Schedule, func() {
		s.trigger(jobID)
	})
	if err != nil {
		return err
	}
	s.entries[jobID] = entry{id: id, fingerprint: fp}
	s.log.Infon("scheduled job",
		logger.NewStringField("jobId", jobID),
		logger.NewStringField("schedule", job.Schedule))
	return nil
}

// trigger runs with the job definition as of fire time, not registration
// time, so edits between ticks take effect immediately.
func (s *Scheduler) trigger(jobID string) {
	ctx := context.Background()
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.log.Errorn("trigger: job lookup failed",
			logger.NewStringField("jobId", jobID), obskit.Error(err))
		return
	}
	if !job.Enabled {
		return
	}
	if _, err := s.runner.RunJob(ctx, job); err != nil {
		// already recorded in the activity log by the runner
		s.log.Debugn("scheduled run failed",
			logger.NewStringField("jobId", jobID), obskit.Error(err))
	}
}

// Scheduled reports whether a trigger is currently registered for the job.
func (s *Scheduler) Scheduled(jobID string) bool {
	_, ok := s.entries[jobID]
	return ok
}

func fingerprint(job model.Job) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%d",
		job.Schedule, job.SourceID, job.DestinationType, job.DestinationID,
		job.LookbackMinutes, job.MaxLookbackMinutes)
}
