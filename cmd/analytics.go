package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-funnel/internal/analytics"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Funnel conversion, loss and stage timing analytics",
	Long: `Computes analytics from the funnel entries and transitions in the store.

Examples:
  # Every funnel of one source
  analytics funnels --source clint

  # One funnel as YAML
  analytics funnels --id 3f1c... --format yaml

  # Critical alerts only
  analytics alerts --critical`,
}

// withAnalytics opens the store and hands fn an analytics service over it.
func withAnalytics(cmd *cobra.Command, fn func(ctx context.Context, svc *analytics.Service) (any, error)) error {
	ctx := cmd.Context()

	backend, err := initBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close() //nolint:errcheck

	out, err := fn(ctx, analytics.NewService(backend.Funnels))
	if err != nil {
		return eris.Wrapf(err, "analytics %s", cmd.Name())
	}
	return printOutput(cmd, out)
}

var analyticsFunnelsCmd = &cobra.Command{
	Use:   "funnels",
	Short: "Analyze funnels",
	RunE: func(cmd *cobra.Command, _ []string) error {
		source, _ := cmd.Flags().GetString("source")
		id, _ := cmd.Flags().GetString("id")
		return withAnalytics(cmd, func(ctx context.Context, svc *analytics.Service) (any, error) {
			if id == "" {
				return svc.GetFunnelAnalytics(ctx, source)
			}
			f, err := svc.GetFunnelDetails(ctx, id)
			if err != nil {
				return nil, err
			}
			if f == nil {
				return nil, eris.Errorf("funnel %s not found", id)
			}
			return f, nil
		})
	},
}

var analyticsSourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Summarize sources, or drill into one with --source",
	RunE: func(cmd *cobra.Command, _ []string) error {
		source, _ := cmd.Flags().GetString("source")
		stages, _ := cmd.Flags().GetBool("stages")
		return withAnalytics(cmd, func(ctx context.Context, svc *analytics.Service) (any, error) {
			if source == "" {
				return svc.ListSources(ctx)
			}
			return svc.GetSourceDetails(ctx, source, stages)
		})
	},
}

var analyticsDashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Cross-source overview",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withAnalytics(cmd, func(ctx context.Context, svc *analytics.Service) (any, error) {
			return svc.GetDashboard(ctx)
		})
	},
}

var analyticsAlertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Low conversion, high loss and slow stage alerts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		critical, _ := cmd.Flags().GetBool("critical")
		return withAnalytics(cmd, func(ctx context.Context, svc *analytics.Service) (any, error) {
			return svc.GetAlerts(ctx, critical)
		})
	},
}

var analyticsBottlenecksCmd = &cobra.Command{
	Use:   "bottlenecks",
	Short: "Stages where leads wait longest",
	RunE: func(cmd *cobra.Command, _ []string) error {
		source, _ := cmd.Flags().GetString("source")
		return withAnalytics(cmd, func(ctx context.Context, svc *analytics.Service) (any, error) {
			return svc.GetBottlenecks(ctx, source)
		})
	},
}

func init() {
	analyticsFunnelsCmd.Flags().String("source", "", "only funnels of this source system")
	analyticsFunnelsCmd.Flags().String("id", "", "analyze a single funnel")
	analyticsSourcesCmd.Flags().String("source", "", "show details for one source")
	analyticsSourcesCmd.Flags().Bool("stages", false, "include per-stage metrics in source details")
	analyticsAlertsCmd.Flags().Bool("critical", false, "only critical alerts")
	analyticsBottlenecksCmd.Flags().String("source", "", "only funnels of this source system")

	for _, c := range []*cobra.Command{
		analyticsFunnelsCmd, analyticsSourcesCmd, analyticsDashboardCmd,
		analyticsAlertsCmd, analyticsBottlenecksCmd,
	} {
		addFormatFlag(c)
		analyticsCmd.AddCommand(c)
	}
	rootCmd.AddCommand(analyticsCmd)
}
