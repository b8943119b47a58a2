package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/ingest"
	"github.com/sells-group/lead-funnel/internal/source/spreadsheet"
)

var importCmd = &cobra.Command{
	Use:   "import <path|ftp://host/file|s3://bucket/key>",
	Short: "Import leads from a CSV or XLSX spreadsheet",
	Long: `Imports a spreadsheet of contacts. Email, name and phone columns are
inferred from the header; every other column becomes a survey question.
Each imported lead is tagged with the file name unless --tag is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		backend, err := initBackend(ctx)
		if err != nil {
			return err
		}
		defer backend.Close() //nolint:errcheck

		file, err := spreadsheet.NewLoader(cfg.Spreadsheet).Load(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "import")
		}

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		tag, _ := cmd.Flags().GetString("tag")

		out, err := newRunner(backend, nil).WithDryRun(dryRun).ImportSpreadsheet(ctx, file, ingest.SpreadsheetOptions{
			SourceSystem: cfg.Spreadsheet.SourceSystem,
			TagKey:       tag,
		})
		if err != nil {
			return eris.Wrap(err, "import")
		}

		zap.L().Info("import complete",
			zap.String("file", out.File.Name),
			zap.String("tag", out.File.TagKey),
			zap.Int("rows", out.File.Rows),
			zap.Int("ok", out.Run.OK),
			zap.Bool("survey", out.Survey.Detected),
		)
		return printOutput(cmd, out)
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "resolve and count without writing")
	importCmd.Flags().String("tag", "", "tag key for imported leads (default: file name)")
	addFormatFlag(importCmd)
	rootCmd.AddCommand(importCmd)
}
