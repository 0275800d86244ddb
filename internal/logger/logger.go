// Package logger builds the zap loggers used across dsync.
package logger

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates the process logger at level: console lines on stderr with
// ISO8601 timestamps.
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.Sampling = nil

	return cfg.Build()
}

// Outcome is the record written for every backup, restore or upload run.
type Outcome struct {
	RunID      string
	JobID      string
	Kind       string
	Status     string
	Database   string
	Path       string
	Location   string
	Size       int64
	Compressed bool
	Encrypted  bool
	Attempts   int
	Duration   time.Duration
	Error      string
}

// OutcomeLogger appends one JSON line per run to a status file.
type OutcomeLogger struct {
	log  *zap.Logger
	file *os.File
}

// NewOutcomeLogger opens (or creates) path for appending.
func NewOutcomeLogger(path string) (*OutcomeLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open outcome log: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.SecondsDurationEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(f), zapcore.InfoLevel)

	return &OutcomeLogger{log: zap.New(core), file: f}, nil
}

// Write records o. Failed runs are written at error level.
func (l *OutcomeLogger) Write(o Outcome) {
	fields := []zap.Field{
		zap.String("run_id", o.RunID),
		zap.String("kind", o.Kind),
		zap.String("status", o.Status),
		zap.Int64("size", o.Size),
		zap.Bool("compressed", o.Compressed),
		zap.Bool("encrypted", o.Encrypted),
		zap.Duration("duration", o.Duration),
	}
	if o.JobID != "" {
		fields = append(fields, zap.String("job_id", o.JobID))
	}
	if o.Database != "" {
		fields = append(fields, zap.String("database", o.Database))
	}
	if o.Path != "" {
		fields = append(fields, zap.String("path", o.Path))
	}
	if o.Location != "" {
		fields = append(fields, zap.String("location", o.Location))
	}
	if o.Attempts > 0 {
		fields = append(fields, zap.Int("attempts", o.Attempts))
	}

	if o.Error != "" {
		l.log.Error(o.Kind+" failed", append(fields, zap.String("error", o.Error))...)
		return
	}
	l.log.Info(o.Kind+" completed", fields...)
}

// Close flushes and closes the file.
func (l *OutcomeLogger) Close() error {
	_ = l.log.Sync()
	return l.file.Close()
}
