// Package app wires dumps, the backup pipeline and the transfer engine into
// the runs the CLI and the scheduler start.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"dsync/internal/checkpoint"
	"dsync/internal/common"
	"dsync/internal/config"
	"dsync/internal/dump"
	"dsync/internal/envelope"
	"dsync/internal/logger"
	"dsync/internal/metrics"
	"dsync/internal/pipeline"
	"dsync/internal/transfer"

	"go.uber.org/zap"
)

// Run kinds recorded in outcomes and metrics
const (
	KindBackup  = "backup"
	KindRestore = "restore"
	KindUpload  = "upload"
)

// SourceFunc starts the dump stream for a backup.
type SourceFunc func(ctx context.Context, b dump.Backend, conn dump.Connection) (io.ReadCloser, error)

// TargetFunc starts the restore stream for a direct restore.
type TargetFunc func(ctx context.Context, b dump.Backend, conn dump.Connection) (io.WriteCloser, error)

// ProtocolFunc builds the transfer protocol for a destination.
type ProtocolFunc func(ctx context.Context, dest config.Destination) (transfer.Protocol, error)

// Deps are the collaborators a Runner uses. Nil fields get defaults.
type Deps struct {
	Store    checkpoint.Store
	Metrics  *metrics.Collector
	Outcomes *logger.OutcomeLogger
	Logger   *zap.Logger

	Source   SourceFunc
	Target   TargetFunc
	Protocol ProtocolFunc
	Now      func() time.Time
}

// Runner performs backups, restores and uploads and records an outcome for
// every one of them.
type Runner struct {
	cfg      *config.Config
	key      envelope.Key
	store    checkpoint.Store
	metrics  *metrics.Collector
	outcomes *logger.OutcomeLogger
	logger   *zap.Logger

	source   SourceFunc
	target   TargetFunc
	protocol ProtocolFunc
	now      func() time.Time

	ownStore bool
}

// New creates a runner with the SQLite state store, outcome log and
// metrics named in cfg.
func New(cfg *config.Config, log *zap.Logger) (*Runner, error) {
	store, err := checkpoint.NewSQLiteStore(cfg.StateDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create state store: %w", err)
	}

	var outcomes *logger.OutcomeLogger
	if cfg.OutcomeLog != "" {
		outcomes, err = logger.NewOutcomeLogger(cfg.OutcomeLog)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	r, err := NewRunner(cfg, Deps{
		Store:    store,
		Metrics:  metrics.New(),
		Outcomes: outcomes,
		Logger:   log,
	})
	if err != nil {
		store.Close()
		if outcomes != nil {
			outcomes.Close()
		}
		return nil, err
	}
	r.ownStore = true
	return r, nil
}

// NewRunner creates a runner from explicit collaborators. The master key is
// derived here, once.
func NewRunner(cfg *config.Config, deps Deps) (*Runner, error) {
	r := &Runner{
		cfg:      cfg,
		store:    deps.Store,
		metrics:  deps.Metrics,
		outcomes: deps.Outcomes,
		logger:   deps.Logger,
		source:   deps.Source,
		target:   deps.Target,
		protocol: deps.Protocol,
		now:      deps.Now,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.source == nil {
		r.source = func(ctx context.Context, b dump.Backend, conn dump.Connection) (io.ReadCloser, error) {
			return b.Dump(ctx, conn, r.logger)
		}
	}
	if r.target == nil {
		r.target = func(ctx context.Context, b dump.Backend, conn dump.Connection) (io.WriteCloser, error) {
			return b.Load(ctx, conn, r.logger)
		}
	}
	if r.protocol == nil {
		r.protocol = func(ctx context.Context, dest config.Destination) (transfer.Protocol, error) {
			return transfer.ForDestination(ctx, dest, r.cfg.Transfer, r.metrics, r.logger)
		}
	}

	if cfg.MasterKey != "" {
		key, err := envelope.DeriveKey(cfg.MasterKey)
		if err != nil {
			return nil, err
		}
		r.key = key
	}
	return r, nil
}

// Metrics exposes the collector, for serving /metrics.
func (r *Runner) Metrics() *metrics.Collector { return r.metrics }

// Store exposes the state store.
func (r *Runner) Store() checkpoint.Store { return r.store }

// BackupResult describes a written backup file
type BackupResult struct {
	Path       string
	Size       int64
	Compressed bool
	Encrypted  bool
	Duration   time.Duration
}

// Backup dumps job's database through the backup pipeline into a new file
// under the job's output directory. A failed run leaves no file behind.
func (r *Runner) Backup(ctx context.Context, job config.Job) (BackupResult, error) {
	start := r.now()
	res := BackupResult{Compressed: job.Backup.Compress, Encrypted: job.Backup.Encrypt}
	log := r.logger.With(zap.String("database", job.Database.Name))
	if job.ID != "" {
		log = log.With(zap.String("job_id", job.ID))
	}

	err := r.backup(ctx, job, start, &res, log)
	res.Duration = time.Since(start)

	out := outcome{
		jobID:      job.ID,
		kind:       KindBackup,
		database:   job.Database.Name,
		path:       res.Path,
		size:       res.Size,
		compressed: res.Compressed,
		encrypted:  res.Encrypted,
		started:    start,
		duration:   res.Duration,
		err:        err,
	}
	r.record(out)

	if err != nil {
		log.Error("Backup failed", zap.Error(err))
		return res, err
	}
	r.metrics.AddBytes(KindBackup, res.Size)
	log.Info("Backup completed",
		zap.String("path", res.Path),
		zap.Int64("size", res.Size),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (r *Runner) backup(ctx context.Context, job config.Job, start time.Time, res *BackupResult, log *zap.Logger) error {
	if job.Database.Type == "" {
		return common.MissingConfig("database.type")
	}
	backend, err := dump.Lookup(dump.Kind(job.Database.Type))
	if err != nil {
		return err
	}
	conn := job.Database.Connection()
	if err := conn.Validate(); err != nil {
		return err
	}
	if job.Backup.Encrypt && r.key.IsZero() {
		return common.MissingConfig(config.MasterKeyEnv)
	}

	plan, err := pipeline.BuildBackup(pipeline.BackupOptions{
		Compress: job.Backup.Compress,
		Encrypt:  job.Backup.Encrypt,
		Level:    job.Backup.CompressionLevel,
	}, r.key)
	if err != nil {
		return err
	}

	if job.Database.Preflight {
		if err := dump.Preflight(ctx, backend.Kind, conn); err != nil {
			return fmt.Errorf("preflight: %w", err)
		}
	}

	outDir := job.Backup.OutputDir
	if outDir == "" {
		outDir = "."
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	res.Path = filepath.Join(outDir, backend.FileName(conn.Database, job.Backup.Compress, job.Backup.Encrypt, start))

	log.Info("Starting backup",
		zap.String("type", string(backend.Kind)),
		zap.Strings("stages", plan.StageNames()),
		zap.String("path", res.Path),
	)

	src, err := r.source(ctx, backend, conn)
	if err != nil {
		return fmt.Errorf("failed to start dump: %w", err)
	}
	sink, err := os.OpenFile(res.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		src.Close()
		return fmt.Errorf("failed to create backup file: %w", err)
	}

	stats, err := plan.Run(ctx, src, sink)
	if err != nil {
		if rmErr := os.Remove(res.Path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warn("Failed to remove partial backup", zap.String("path", res.Path), zap.Error(rmErr))
		}
		return err
	}
	res.Size = stats.BytesOut
	return nil
}

// Upload sends path to dest through the transfer engine.
func (r *Runner) Upload(ctx context.Context, path string, dest config.Destination, jobID string) (transfer.Result, error) {
	start := r.now()
	log := r.logger
	if jobID != "" {
		log = log.With(zap.String("job_id", jobID))
	}

	res, err := r.upload(ctx, path, dest, log)

	var compressed, encrypted bool
	if info, inspectErr := envelope.Inspect(path); inspectErr == nil {
		compressed, encrypted = info.Compressed, info.Encrypted
	}
	r.record(outcome{
		jobID:      jobID,
		kind:       KindUpload,
		path:       path,
		location:   res.Location,
		size:       res.Size,
		compressed: compressed,
		encrypted:  encrypted,
		attempts:   res.Attempts,
		started:    start,
		duration:   time.Since(start),
		err:        err,
	})
	return res, err
}

func (r *Runner) upload(ctx context.Context, path string, dest config.Destination, log *zap.Logger) (transfer.Result, error) {
	if err := dest.Validate(); err != nil {
		return transfer.Result{}, err
	}
	proto, err := r.protocol(ctx, dest)
	if err != nil {
		return transfer.Result{}, err
	}

	engine := transfer.NewEngine(proto, transfer.Options{
		Policy:    r.cfg.Transfer.Policy(),
		Store:     r.store,
		Metrics:   r.metrics,
		Logger:    log,
		RateLimit: r.cfg.Transfer.RateLimit,
	})
	return engine.Upload(ctx, path)
}

// RunOnce backs up job and, when it names a destination, uploads the file.
func (r *Runner) RunOnce(ctx context.Context, job config.Job) error {
	res, err := r.Backup(ctx, job)
	if err != nil {
		return err
	}
	if job.Upload == nil {
		return nil
	}
	if _, err := r.Upload(ctx, res.Path, *job.Upload, job.ID); err != nil {
		return err
	}
	return nil
}

// Close releases the store and outcome log when the runner opened them.
func (r *Runner) Close() error {
	var err error
	if r.outcomes != nil {
		err = r.outcomes.Close()
	}
	if r.ownStore && r.store != nil {
		if closeErr := r.store.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}
