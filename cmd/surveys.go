package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-funnel/internal/config"
)

var surveysCmd = &cobra.Command{
	Use:   "surveys",
	Short: "Import survey responses",
}

var surveysNotionCmd = &cobra.Command{
	Use:   "notion",
	Short: "Import responses from the Notion survey database",
	Long:  "Imports the pages of the configured Notion database edited since the last successful run. Respondents resolve to leads by their email or phone property.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate(config.ModeNotion); err != nil {
			return err
		}

		backend, err := initBackend(ctx)
		if err != nil {
			return err
		}
		defer backend.Close() //nolint:errcheck

		out, err := newRunner(backend, nil).SyncSurvey(ctx, newNotionSurvey())
		if err != nil {
			return eris.Wrap(err, "surveys notion")
		}
		return printOutput(cmd, out)
	},
}

func init() {
	addFormatFlag(surveysNotionCmd)
	surveysCmd.AddCommand(surveysNotionCmd)
	rootCmd.AddCommand(surveysCmd)
}
