package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dsync/internal/app"
	"dsync/internal/config"
	"dsync/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "dsync",
	Short: "Back up databases and ship the backups to object storage",
	Long: `Streams database dumps through optional gzip compression and AES-256
encryption into self-describing backup files, restores them, and uploads them
to S3-compatible storage or Google Drive with resumable, retried transfers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (YAML)")
	flags.String("env-file", ".env", "file holding MASTER_KEY when it is not in the environment")

	flags.String("log-level", "info", "Log level (debug/info/warn/error)")
	flags.String("outcome-log", "./backup_status.log", "File receiving one JSON line per run")
	flags.String("state-db", "./dsync.db", "SQLite file for upload sessions, runs and schedules")
	flags.String("metrics-addr", "", "Address serving /metrics while the scheduler runs")

	// Database flags
	flags.String("db-type", "", "Database type (postgresql/mysql/mongodb)")
	flags.String("db-host", "", "Database host")
	flags.Int("db-port", 0, "Database port")
	flags.String("db-user", "", "Database user")
	flags.String("db-password", "", "Database password")
	flags.String("db-name", "", "Database name")
	flags.Bool("preflight", false, "Check the database is reachable before dumping")

	// Backup flags
	flags.String("output-dir", "./backups", "Directory for backup and restored files")
	flags.Bool("compress", true, "Compress backups with gzip")
	flags.Bool("encrypt", false, "Encrypt backups with MASTER_KEY")
	flags.Int("compression-level", 0, "gzip level, -2 to 9 (0 = default)")

	// Destination flags
	flags.String("dest", "", "Upload destination (s3/drive)")
	flags.String("key-file", "", "JSON credentials file for the destination")
	flags.String("bucket", "", "S3 bucket")
	flags.String("region", "", "S3 region")
	flags.String("endpoint", "", "S3 endpoint (host[:port])")
	flags.String("folder-id", "", "Drive folder id")

	// Transfer flags
	flags.Int("concurrency", 4, "Concurrent part uploads")
	flags.Int("max-attempts", 5, "Maximum transfer attempts")
	flags.Int64("rate-limit", 0, "Upload rate limit in bytes per second (0 = unlimited)")

	rootCmd.AddCommand(backupCmd, restoreCmd, uploadCmd, runCmd, scheduleCmd, reportCmd)
}

// env is what every command starts from.
type env struct {
	cfg    *config.Config
	log    *zap.Logger
	runner *app.Runner
}

func setup(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	runner, err := app.New(cfg, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}
	return &env{cfg: cfg, log: log, runner: runner}, nil
}

func (e *env) close() {
	if err := e.runner.Close(); err != nil {
		e.log.Error("Error closing runner", zap.Error(err))
	}
	e.log.Sync()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// withEnv runs fn with a loaded environment and a signal-aware context.
func withEnv(fn func(ctx context.Context, e *env, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		ctx, cancel := signalContext(e.log)
		defer cancel()

		return fn(ctx, e, cmd, args)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
