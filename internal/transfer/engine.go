package transfer

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
	"dsync/internal/metrics"
	"dsync/internal/progress"
	"dsync/internal/retry"
	"dsync/internal/storage"

	"go.uber.org/zap"
)

// Options configures an Engine. Store and Metrics may be nil.
type Options struct {
	Policy           retry.Policy
	Store            checkpoint.Store
	Metrics          *metrics.Collector
	Logger           *zap.Logger
	ProgressInterval time.Duration
	// RateLimit caps bytes per second across the whole upload.
	RateLimit int64
}

// Engine runs the open, resume, send and finalize sequence of a Protocol
// under a retry policy.
type Engine struct {
	protocol Protocol
	policy   retry.Policy
	store    checkpoint.Store
	metrics  *metrics.Collector
	logger   *zap.Logger
	interval time.Duration
	rate     int64
}

// Result describes a finished upload
type Result struct {
	Location    string
	Size        int64
	Attempts    int
	ResumedFrom int64
}

// NewEngine creates an engine for protocol
func NewEngine(protocol Protocol, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 10 * time.Second
	}
	return &Engine{
		protocol: protocol,
		policy:   opts.Policy,
		store:    opts.Store,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		interval: opts.ProgressInterval,
		rate:     opts.RateLimit,
	}
}

func (e *Engine) storeKey() string {
	return e.protocol.Name() + ":" + e.protocol.Scope()
}

// Upload sends the file at path. Failed attempts are retried per the
// policy; the returned error is a *common.TransferError unless ctx ended.
func (e *Engine) Upload(ctx context.Context, path string) (Result, error) {
	if err := e.policy.Validate(); err != nil {
		return Result{}, &common.ConfigurationError{Field: "transfer", Reason: err.Error()}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return Result{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Result{}, fmt.Errorf("failed to stat upload file: %w", err)
	}
	if info.IsDir() {
		return Result{}, fmt.Errorf("%s is a directory", abs)
	}
	file := File{Path: abs, Name: filepath.Base(abs), Size: info.Size()}

	logger := e.logger.With(
		zap.String("destination", e.protocol.Name()),
		zap.String("file", file.Name),
	)

	tracker := progress.NewTracker(file.Size)
	display := progress.NewDisplay(tracker, e.interval, logger)
	display.Start()
	defer display.Stop()

	limiter := newLimiter(e.rate)
	wrap := func(r io.Reader) io.Reader {
		return tracker.Reader(throttle(ctx, r, limiter))
	}

	sess := e.loadSession(file, logger)
	res := Result{Size: file.Size}

	err = e.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		res.Attempts = attempt
		logger.Info("Transfer attempt", zap.Int("attempt", attempt))

		location, offset, err := e.attempt(ctx, &sess, file, wrap, tracker, logger)
		if err != nil {
			return classify(err)
		}
		res.Location = location
		res.ResumedFrom = offset
		return nil
	}, func(f retry.Failure) {
		e.countAttempt("failed")
		fields := []zap.Field{zap.Int("attempt", f.Attempt), zap.Error(f.Err)}
		if f.Final {
			logger.Error("Transfer attempt failed, giving up", fields...)
			return
		}
		logger.Warn("Transfer attempt failed, retrying", append(fields, zap.Duration("wait", f.Wait))...)
	})

	if err == nil {
		e.countAttempt("success")
		if e.metrics != nil {
			e.metrics.AddBytes("upload", file.Size)
		}
		e.forget(file, logger)
		logger.Info("Transfer completed",
			zap.String("location", res.Location),
			zap.String("size", progress.FormatBytes(file.Size)),
			zap.Int("attempts", res.Attempts),
		)
		return res, nil
	}

	if ctx.Err() != nil {
		return res, err
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		// The session is kept so a later run can resume it.
		return res, &common.TransferError{Destination: e.protocol.Name(), Attempts: exhausted.Attempts, Err: exhausted.Err}
	}

	if sess != nil {
		if abortErr := e.protocol.Abort(context.WithoutCancel(ctx), sess); abortErr != nil {
			logger.Warn("Failed to abort upload session", zap.Error(abortErr))
		}
		e.forget(file, logger)
	}
	return res, &common.TransferError{Destination: e.protocol.Name(), Attempts: res.Attempts, Err: err}
}

// attempt is one pass of open, resume, send and finalize. A session the
// remote no longer knows is dropped so the next attempt opens a new one.
func (e *Engine) attempt(
	ctx context.Context,
	sess **Session,
	file File,
	wrap func(io.Reader) io.Reader,
	tracker *progress.Tracker,
	logger *zap.Logger,
) (string, int64, error) {
	if *sess == nil {
		s, err := e.protocol.Open(ctx, file)
		if err != nil {
			return "", 0, err
		}
		*sess = s
		e.save(s, logger)
	}
	s := *sess
	s.wrap = wrap

	dropIfGone := func(err error) error {
		if sessionGone(err) {
			logger.Warn("Upload session is gone, a new one will be opened", zap.Error(err))
			e.forget(file, logger)
			*sess = nil
		}
		return err
	}

	offset, err := e.protocol.ResumePosition(ctx, s)
	if err != nil {
		return "", 0, dropIfGone(err)
	}
	if offset > 0 {
		logger.Info("Resuming upload",
			zap.Int64("offset", offset),
			zap.String("confirmed", progress.FormatBytes(offset)),
		)
	}
	tracker.Resume(offset)

	if err := e.protocol.SendFrom(ctx, s, offset); err != nil {
		return "", offset, dropIfGone(err)
	}

	location, err := e.protocol.Finalize(ctx, s)
	if err != nil {
		return "", offset, dropIfGone(err)
	}
	return location, offset, nil
}

// classify marks errors that retrying cannot fix.
func classify(err error) error {
	switch {
	case storage.IsAuthError(err),
		errors.Is(err, common.ErrProtocolInvariant),
		errors.Is(err, common.ErrConfiguration):
		return retry.Permanent(err)
	}
	return err
}

func (e *Engine) countAttempt(outcome string) {
	if e.metrics != nil {
		e.metrics.TransferAttempt(e.protocol.Name(), outcome)
	}
}

func (e *Engine) loadSession(file File, logger *zap.Logger) *Session {
	if e.store == nil {
		return nil
	}
	rec, err := e.store.GetSession(e.storeKey(), file.Path, file.Size)
	if err != nil {
		logger.Warn("Failed to load saved upload session", zap.Error(err))
		return nil
	}
	if rec == nil {
		return nil
	}
	s := sessionFromRecord(rec, file)
	if s != nil {
		logger.Info("Found saved upload session", zap.String("kind", string(rec.Kind)))
	}
	return s
}

func (e *Engine) save(s *Session, logger *zap.Logger) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveSession(s.record(e.storeKey())); err != nil {
		logger.Warn("Failed to save upload session", zap.Error(err))
	}
}

func (e *Engine) forget(file File, logger *zap.Logger) {
	if e.store == nil {
		return
	}
	if err := e.store.DeleteSession(e.storeKey(), file.Path, file.Size); err != nil {
		logger.Warn("Failed to delete upload session", zap.Error(err))
	}
}
