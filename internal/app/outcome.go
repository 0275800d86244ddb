package app

import (
	"time"

	"dsync/internal/checkpoint"
	"dsync/internal/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type outcome struct {
	jobID      string
	kind       string
	database   string
	path       string
	location   string
	size       int64
	compressed bool
	encrypted  bool
	attempts   int
	started    time.Time
	duration   time.Duration
	err        error
}

// record writes o to the state store, the outcome log and the run metrics.
// Failures to record are logged and never change the run's result.
func (r *Runner) record(o outcome) {
	status := checkpoint.StatusSucceeded
	var msg string
	if o.err != nil {
		status = checkpoint.StatusFailed
		msg = o.err.Error()
	}

	rec := &checkpoint.RunRecord{
		ID:         uuid.NewString(),
		JobID:      o.jobID,
		Kind:       o.kind,
		Status:     status,
		Database:   o.database,
		Path:       o.path,
		Location:   o.location,
		Size:       o.size,
		Compressed: o.compressed,
		Encrypted:  o.encrypted,
		Attempts:   o.attempts,
		Error:      msg,
		StartedAt:  o.started.UTC(),
		Duration:   o.duration,
	}

	if r.store != nil {
		if err := r.store.RecordRun(rec); err != nil {
			r.logger.Warn("Failed to record run", zap.String("kind", o.kind), zap.Error(err))
		}
	}
	if r.outcomes != nil {
		r.outcomes.Write(logger.Outcome{
			RunID:      rec.ID,
			JobID:      rec.JobID,
			Kind:       rec.Kind,
			Status:     string(rec.Status),
			Database:   rec.Database,
			Path:       rec.Path,
			Location:   rec.Location,
			Size:       rec.Size,
			Compressed: rec.Compressed,
			Encrypted:  rec.Encrypted,
			Attempts:   rec.Attempts,
			Duration:   rec.Duration,
			Error:      rec.Error,
		})
	}
	r.metrics.RunFinished(o.kind, o.err == nil, o.duration)
}
