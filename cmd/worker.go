package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/config"
	"github.com/sells-group/lead-funnel/internal/ingest"
	"github.com/sells-group/lead-funnel/internal/schedule"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal worker for scheduled syncs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate(config.ModeWorker); err != nil {
			return err
		}

		backend, err := initBackend(ctx)
		if err != nil {
			return err
		}
		defer backend.Close() //nolint:errcheck

		sources := []schedule.Source{newCRMSource()}
		if cfg.Salesforce.ClientID != "" {
			sf, err := newSalesforceSource()
			if err != nil {
				return err
			}
			sources = append(sources, sf)
		}
		var surveys []ingest.SurveySource
		if cfg.Notion.Token != "" && cfg.Notion.SurveyDB != "" {
			surveys = append(surveys, newNotionSurvey())
		}
		acts := schedule.NewActivities(newRunner(backend, newMetrics()), sources, surveys)

		c, err := schedule.Dial(cfg.Temporal)
		if err != nil {
			return err
		}
		defer c.Close()

		w := schedule.NewWorker(c, cfg.Temporal, acts)
		if err := w.Start(); err != nil {
			return eris.Wrap(err, "worker: start")
		}
		zap.L().Info("worker started",
			zap.String("task_queue", cfg.Temporal.TaskQueue),
			zap.Int("sources", len(sources)),
		)

		<-ctx.Done()
		w.Stop()
		zap.L().Info("worker stopped")
		return nil
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage the recurring sync schedule",
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register the recurring sync on the configured cron",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate(config.ModeWorker); err != nil {
			return err
		}

		c, err := schedule.Dial(cfg.Temporal)
		if err != nil {
			return err
		}
		defer c.Close()

		created, err := schedule.CreateSchedule(ctx, c, cfg.Temporal, scheduleInput())
		if err != nil {
			return err
		}
		if !created {
			zap.L().Info("schedule already exists", zap.String("id", schedule.ScheduleID))
		}
		return nil
	},
}

// scheduleInput syncs every configured source.
func scheduleInput() schedule.SyncInput {
	in := schedule.SyncInput{Sources: []string{cfg.CRM.SourceSystem}}
	if cfg.Salesforce.ClientID != "" {
		in.Sources = append(in.Sources, cfg.Salesforce.SourceSystem)
	}
	if cfg.Notion.Token != "" && cfg.Notion.SurveyDB != "" {
		in.Surveys = []string{cfg.Notion.SourceSystem}
	}
	return in
}

func init() {
	scheduleCmd.AddCommand(scheduleCreateCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(scheduleCmd)
}
