package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/pkg/models"
	"github.com/spf13/cobra"
)

// seedCronJobs upserts every cron job named in configuration into the
// persistence port. Re-running serve with the same config is idempotent:
// jobs are keyed by the configured ID, not a freshly generated one.
func seedCronJobs(ctx context.Context, comps *components, jobs []config.CronJobConfig) error {
	for _, j := range jobs {
		job := &models.CronJob{
			ID:          j.ID,
			Channel:     models.ChannelType(j.Channel),
			ChannelID:   j.ChannelID,
			CronExpr:    j.Cron,
			Timezone:    j.Timezone,
			Payload:     j.Payload,
			SessionMode: models.SessionMode(j.Mode),
			Status:      models.CronJobEnabled,
			CreatedAt:   time.Now(),
		}
		if j.Every > 0 {
			job.EveryMs = j.Every.Milliseconds()
		}
		if j.Mode == "" {
			job.SessionMode = models.SessionModeReuse
		}
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		if err := comps.store.UpsertCronJob(ctx, job); err != nil {
			return fmt.Errorf("upsert cron job %q: %w", job.ID, err)
		}
	}
	return nil
}

func buildCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage durable cron jobs",
	}
	cmd.AddCommand(buildCronListCmd(), buildCronPauseCmd(), buildCronResumeCmd())
	return cmd
}

func buildCronListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cron jobs known to the persistence port",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, err := openStore(cfg.Storage)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			if closer, ok := store.(interface{ Close() error }); ok {
				defer closer.Close()
			}

			jobs, err := store.ListCronJobs(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No cron jobs.")
				return nil
			}
			for _, j := range jobs {
				schedule := j.CronExpr
				if schedule == "" && j.EveryMs > 0 {
					schedule = fmt.Sprintf("every %s", time.Duration(j.EveryMs)*time.Millisecond)
				}
				fmt.Fprintf(out, "%s\t%s\t%s:%s\t%s\tnext=%s\n",
					j.ID, j.Status, j.Channel, j.ChannelID, schedule, j.NextRun.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "engine.yaml", "Path to YAML configuration file")
	return cmd
}

func buildCronPauseCmd() *cobra.Command {
	return cronStatusCmd("pause", "Pause a cron job", models.CronJobPaused)
}

func buildCronResumeCmd() *cobra.Command {
	return cronStatusCmd("resume", "Resume a cron job", models.CronJobEnabled)
}

func cronStatusCmd(use, short string, status models.CronJobStatus) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   use + " [job-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, err := openStore(cfg.Storage)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			if closer, ok := store.(interface{ Close() error }); ok {
				defer closer.Close()
			}

			job, err := store.GetCronJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			job.Status = status
			if err := store.UpsertCronJob(cmd.Context(), job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cron job %s: %s\n", job.ID, job.Status)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "engine.yaml", "Path to YAML configuration file")
	return cmd
}
