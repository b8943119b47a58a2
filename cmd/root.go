package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/config"
)

var (
	cfg *config.Config

	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:           "lead-funnel",
	Short:         "Lead identity resolution and funnel tracking",
	Long:          "Imports contacts and deals from CRMs, spreadsheets and survey tools, resolves them into unique leads, and tracks their movement through sales funnels.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		applyLogOverrides(&loaded.Log, logLevel, logFormat)
		cfg = loaded

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		zap.L().Debug("config loaded", zap.String("command", cmd.CommandPath()), zap.String("store", cfg.Store.Driver))
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = zap.L().Sync()
	},
}

// applyLogOverrides lets command-line flags win over the configured log settings.
func applyLogOverrides(lc *config.LogConfig, level, format string) {
	if level != "" {
		lc.Level = level
	}
	if format != "" {
		lc.Format = format
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override log format (json, console)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		zap.L().Error("command failed", zap.Error(err))
		os.Stderr.WriteString(err.Error() + "\n") //nolint:errcheck
		os.Exit(1)
	}
}
