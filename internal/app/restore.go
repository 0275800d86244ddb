package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"dsync/internal/config"
	"dsync/internal/dump"
	"dsync/internal/envelope"
	"dsync/internal/pipeline"

	"go.uber.org/zap"
)

// RestoreOptions picks the restore target. With Database set the stream is
// loaded into it; otherwise a plain file is written under OutputDir.
type RestoreOptions struct {
	Database  *config.Database
	OutputDir string
}

// RestoreResult describes a finished restore
type RestoreResult struct {
	// Target is the restored file, or the database name for a direct load.
	Target     string
	Size       int64
	Compressed bool
	Encrypted  bool
	Duration   time.Duration
}

// Restore reverses the backup pipeline for path. The envelope is inspected
// before any stream is started, so a malformed file never reaches a target.
func (r *Runner) Restore(ctx context.Context, path string, opts RestoreOptions) (RestoreResult, error) {
	start := r.now()
	var res RestoreResult
	log := r.logger.With(zap.String("path", path))

	err := r.restore(ctx, path, opts, &res, log)
	res.Duration = time.Since(start)

	var database string
	if opts.Database != nil {
		database = opts.Database.Name
	}
	r.record(outcome{
		kind:       KindRestore,
		database:   database,
		path:       path,
		location:   res.Target,
		size:       res.Size,
		compressed: res.Compressed,
		encrypted:  res.Encrypted,
		started:    start,
		duration:   res.Duration,
		err:        err,
	})

	if err != nil {
		log.Error("Restore failed", zap.Error(err))
		return res, err
	}
	r.metrics.AddBytes(KindRestore, res.Size)
	log.Info("Restore completed",
		zap.String("target", res.Target),
		zap.Int64("size", res.Size),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (r *Runner) restore(ctx context.Context, path string, opts RestoreOptions, res *RestoreResult, log *zap.Logger) error {
	info, err := envelope.Inspect(path)
	if err != nil {
		return err
	}
	res.Compressed, res.Encrypted = info.Compressed, info.Encrypted

	plan, err := pipeline.BuildRestore(info, r.key)
	if err != nil {
		return err
	}

	var open func() (io.WriteCloser, error)
	var cleanup func()
	if opts.Database != nil {
		open, err = r.databaseTarget(ctx, *opts.Database, res)
	} else {
		open, cleanup, err = fileTarget(path, opts.OutputDir, res)
	}
	if err != nil {
		return err
	}

	log.Info("Starting restore",
		zap.Bool("compressed", info.Compressed),
		zap.Bool("encrypted", info.Encrypted),
		zap.Strings("stages", plan.StageNames()),
		zap.String("target", res.Target),
	)

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	sink, err := open()
	if err != nil {
		src.Close()
		return err
	}

	stats, err := plan.Run(ctx, src, sink)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return err
	}
	res.Size = stats.BytesOut
	return nil
}

func (r *Runner) databaseTarget(ctx context.Context, db config.Database, res *RestoreResult) (func() (io.WriteCloser, error), error) {
	backend, err := dump.Lookup(dump.Kind(db.Type))
	if err != nil {
		return nil, err
	}
	conn := db.Connection()
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	res.Target = db.Name
	return func() (io.WriteCloser, error) {
		w, err := r.target(ctx, backend, conn)
		if err != nil {
			return nil, fmt.Errorf("failed to start restore: %w", err)
		}
		return w, nil
	}, nil
}

func fileTarget(path, outDir string, res *RestoreResult) (func() (io.WriteCloser, error), func(), error) {
	if outDir == "" {
		outDir = "."
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	target := filepath.Join(outDir, dump.RestoredName(path))
	res.Target = target

	open := func() (io.WriteCloser, error) {
		f, err := os.Create(target)
		if err != nil {
			return nil, fmt.Errorf("failed to create restore file: %w", err)
		}
		return f, nil
	}
	return open, func() { _ = os.Remove(target) }, nil
}
