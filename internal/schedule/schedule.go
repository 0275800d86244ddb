// Package schedule runs persisted backup jobs on cron expressions.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dsync/internal/checkpoint"
	"dsync/internal/common"
	"dsync/internal/config"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// parser accepts standard five-field expressions plus descriptors such as
// @daily.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Entry is a stored schedule with its decoded job.
type Entry struct {
	ID        string
	Spec      string
	Job       config.Job
	CreatedAt time.Time
}

// RunFunc runs one job. Its error is logged and never stops the scheduler.
type RunFunc func(ctx context.Context, job config.Job) error

// ParseSpec validates a cron expression.
func ParseSpec(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, &common.ConfigurationError{Field: "schedule", Reason: fmt.Sprintf("invalid cron expression %q: %v", spec, err)}
	}
	return sched, nil
}

// Add validates and persists a schedule. The job takes the schedule's id
// when it has none.
func Add(store checkpoint.Store, spec string, job config.Job) (Entry, error) {
	if _, err := ParseSpec(spec); err != nil {
		return Entry{}, err
	}
	if err := job.Validate(); err != nil {
		return Entry{}, err
	}

	id := uuid.NewString()
	if job.ID == "" {
		job.ID = id
	}
	data, err := json.Marshal(job)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode job: %w", err)
	}

	rec := &checkpoint.ScheduleRecord{ID: id, Spec: spec, Job: data}
	if err := store.SaveSchedule(rec); err != nil {
		return Entry{}, fmt.Errorf("failed to save schedule: %w", err)
	}
	return Entry{ID: rec.ID, Spec: spec, Job: job, CreatedAt: rec.CreatedAt}, nil
}

// List returns every stored schedule.
func List(store checkpoint.Store) ([]Entry, error) {
	recs, err := store.ListSchedules()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		var job config.Job
		if err := json.Unmarshal(rec.Job, &job); err != nil {
			return nil, fmt.Errorf("schedule %s: failed to decode job: %w", rec.ID, err)
		}
		entries = append(entries, Entry{ID: rec.ID, Spec: rec.Spec, Job: job, CreatedAt: rec.CreatedAt})
	}
	return entries, nil
}

// Remove deletes a stored schedule.
func Remove(store checkpoint.Store, id string) error {
	return store.DeleteSchedule(id)
}

// Scheduler fires stored jobs on their cron cadence. A job still running
// when its next tick arrives is skipped for that tick.
type Scheduler struct {
	store  checkpoint.Store
	run    RunFunc
	logger *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// New creates a scheduler
func New(store checkpoint.Store, run RunFunc, logger *zap.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	return &Scheduler{
		store:  store,
		run:    run,
		logger: logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		entries: make(map[string]cron.EntryID),
	}
}

// Load registers every stored schedule and returns how many were added.
func (s *Scheduler) Load(ctx context.Context) (int, error) {
	entries, err := List(s.store)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := s.register(ctx, e); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

func (s *Scheduler) register(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.ID]; ok {
		return nil
	}

	job := e.Job
	logger := s.logger.With(zap.String("schedule_id", e.ID), zap.String("job_id", job.ID))
	id, err := s.cron.AddFunc(e.Spec, func() {
		logger.Info("Scheduled job starting")
		if err := s.run(ctx, job); err != nil {
			logger.Error("Scheduled job failed", zap.Error(err))
			return
		}
		logger.Info("Scheduled job finished")
	})
	if err != nil {
		return &common.ConfigurationError{Field: "schedule", Reason: err.Error()}
	}
	s.entries[e.ID] = id
	logger.Info("Schedule registered", zap.String("spec", e.Spec))
	return nil
}

// Next reports when the schedule with id fires next.
func (s *Scheduler) Next(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eid, ok := s.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(eid).Next, true
}

// Run loads the stored schedules and fires them until ctx is done, then
// waits for running jobs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	n, err := s.Load(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("Scheduler started", zap.Int("schedules", n))

	s.cron.Start()
	<-ctx.Done()

	s.logger.Info("Scheduler stopping, waiting for running jobs")
	<-s.cron.Stop().Done()
	return nil
}
