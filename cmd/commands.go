package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"dsync/internal/app"
	"dsync/internal/config"
	"dsync/internal/schedule"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Dump the configured database into a backup file",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, e *env, _ *cobra.Command, _ []string) error {
		if err := e.cfg.RequireDatabase(); err != nil {
			return err
		}
		res, err := e.runner.Backup(ctx, e.cfg.Job())
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s)\n", res.Path, humanize.IBytes(uint64(res.Size)))
		return nil
	}),
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-file>",
	Short: "Restore a backup file into the configured database or a plain .sql file",
	Args:  cobra.ExactArgs(1),
	RunE: withEnv(func(ctx context.Context, e *env, cmd *cobra.Command, args []string) error {
		intoDB, _ := cmd.Flags().GetBool("into-db")

		opts := app.RestoreOptions{OutputDir: e.cfg.Backup.OutputDir}
		if intoDB {
			if err := e.cfg.RequireDatabase(); err != nil {
				return err
			}
			db := e.cfg.Database
			opts.Database = &db
		}

		res, err := e.runner.Restore(ctx, args[0], opts)
		if err != nil {
			return err
		}
		fmt.Printf("restored into %s (%s)\n", res.Target, humanize.IBytes(uint64(res.Size)))
		return nil
	}),
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a file to the configured destination, resuming earlier attempts",
	Args:  cobra.ExactArgs(1),
	RunE: withEnv(func(ctx context.Context, e *env, _ *cobra.Command, args []string) error {
		if err := e.cfg.RequireDestination(); err != nil {
			return err
		}
		res, err := e.runner.Upload(ctx, args[0], e.cfg.Destination, "")
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s, %d attempt(s))\n", res.Location, humanize.IBytes(uint64(res.Size)), res.Attempts)
		return nil
	}),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Back up and, when a destination is set, upload in one go",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, e *env, cmd *cobra.Command, _ []string) error {
		job, err := loadJob(cmd, e.cfg)
		if err != nil {
			return err
		}
		return e.runner.RunOnce(ctx, job)
	}),
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage and serve cron schedules",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <cron-expression>",
	Short: "Store a job to run on a cron expression",
	Args:  cobra.ExactArgs(1),
	RunE: withEnv(func(_ context.Context, e *env, cmd *cobra.Command, args []string) error {
		job, err := loadJob(cmd, e.cfg)
		if err != nil {
			return err
		}
		entry, err := schedule.Add(e.runner.Store(), args[0], job)
		if err != nil {
			return err
		}
		fmt.Println(entry.ID)
		return nil
	}),
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored schedules",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(_ context.Context, e *env, _ *cobra.Command, _ []string) error {
		entries, err := schedule.List(e.runner.Store())
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSPEC\tDATABASE\tUPLOAD\tNEXT")
		now := time.Now()
		for _, entry := range entries {
			upload := "-"
			if entry.Job.Upload != nil {
				upload = entry.Job.Upload.Type
			}
			next := "-"
			if sched, err := schedule.ParseSpec(entry.Spec); err == nil {
				next = humanize.Time(sched.Next(now))
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", entry.ID, entry.Spec, entry.Job.Database.Name, upload, next)
		}
		return tw.Flush()
	}),
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a stored schedule",
	Args:  cobra.ExactArgs(1),
	RunE: withEnv(func(_ context.Context, e *env, _ *cobra.Command, args []string) error {
		return schedule.Remove(e.runner.Store(), args[0])
	}),
}

var scheduleServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run stored schedules until interrupted",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, e *env, _ *cobra.Command, _ []string) error {
		if e.cfg.MetricsAddr != "" {
			go func() {
				e.log.Info("Serving metrics", zap.String("addr", e.cfg.MetricsAddr))
				if err := e.runner.Metrics().StartServer(ctx, e.cfg.MetricsAddr); err != nil {
					e.log.Error("Metrics server failed", zap.Error(err))
				}
			}()
		}

		run := func(ctx context.Context, job config.Job) error {
			return e.runner.RunOnce(ctx, e.cfg.WithCredentials(job))
		}
		s := schedule.New(e.runner.Store(), run, e.log)
		return s.Run(ctx)
	}),
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize recorded runs",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(_ context.Context, e *env, cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		summary, err := e.runner.Report(limit)
		if err != nil {
			return err
		}
		return summary.WriteText(os.Stdout)
	}),
}

func init() {
	restoreCmd.Flags().Bool("into-db", false, "Load into the configured database instead of writing a .sql file")

	runCmd.Flags().String("job", "", "Job file (YAML); unset sections come from the configuration")
	scheduleAddCmd.Flags().String("job", "", "Job file (YAML); unset sections come from the configuration")

	reportCmd.Flags().Int("limit", 100, "Number of recent runs to summarize")

	scheduleCmd.AddCommand(scheduleAddCmd, scheduleListCmd, scheduleRemoveCmd, scheduleServeCmd)
}

// loadJob reads --job when given, otherwise builds the job from the
// configuration.
func loadJob(cmd *cobra.Command, cfg *config.Config) (config.Job, error) {
	path, _ := cmd.Flags().GetString("job")
	if path != "" {
		return config.LoadJob(path, cfg)
	}
	job := cfg.Job()
	if err := job.Validate(); err != nil {
		return config.Job{}, err
	}
	return job, nil
}
