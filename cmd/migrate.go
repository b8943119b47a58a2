package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/migrate"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  "Applies pending Postgres migrations. SQLite databases get their schema when they are opened, so migrate only verifies the connection.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		backend, err := initBackend(ctx)
		if err != nil {
			return err
		}
		defer backend.Close() //nolint:errcheck

		if backend.Pool == nil {
			zap.L().Info("sqlite schema is current", zap.String("path", cfg.Store.SQLitePath))
			return nil
		}

		applied, err := migrate.Up(ctx, backend.Pool)
		if err != nil {
			return eris.Wrap(err, "migrate")
		}
		zap.L().Info("migrations applied", zap.Strings("files", applied))
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and when they were applied",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		backend, err := initBackend(ctx)
		if err != nil {
			return err
		}
		defer backend.Close() //nolint:errcheck

		if backend.Pool == nil {
			return eris.New("migrate status: only supported for the postgres driver")
		}

		migrations, err := migrate.Status(ctx, backend.Pool)
		if err != nil {
			return eris.Wrap(err, "migrate status")
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "MIGRATION\tAPPLIED")
		for _, m := range migrations {
			applied := "pending"
			if m.AppliedAt != nil {
				applied = m.AppliedAt.Format("2006-01-02 15:04")
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\n", m.Filename, applied)
		}
		return w.Flush()
	},
}

func init() {
	migrateCmd.AddCommand(migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}
