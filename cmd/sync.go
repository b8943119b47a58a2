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

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Import contacts, deals and catalogs from a CRM",
	Long: `Pulls a CRM into the lead store.

Without stream flags every stream runs in dependency order: the catalog
(tags and pipelines) first, then contacts, then deals.`,
}

var syncCRMCmd = &cobra.Command{
	Use:   "crm",
	Short: "Sync the marketing CRM",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate(config.ModeCRM); err != nil {
			return err
		}
		return runSync(cmd, func() (schedule.Source, error) { return newCRMSource(), nil })
	},
}

var syncSalesforceCmd = &cobra.Command{
	Use:   "salesforce",
	Short: "Sync Salesforce contacts and opportunities",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate(config.ModeSalesforce); err != nil {
			return err
		}
		return runSync(cmd, func() (schedule.Source, error) { return newSalesforceSource() })
	},
}

func init() {
	for _, c := range []*cobra.Command{syncCRMCmd, syncSalesforceCmd} {
		f := c.Flags()
		f.Bool("catalog", false, "sync tags and pipelines")
		f.Bool("contacts", false, "sync contacts")
		f.Bool("deals", false, "sync deals")
		f.Bool("dry-run", false, "resolve and count without writing")
		addFormatFlag(c)
		syncCmd.AddCommand(c)
	}
	rootCmd.AddCommand(syncCmd)
}

// syncStreams resolves the stream flags. No flag selects every stream.
type syncStreams struct {
	catalog, contacts, deals bool
}

func streamsFromFlags(cmd *cobra.Command) syncStreams {
	catalog, _ := cmd.Flags().GetBool("catalog")
	contacts, _ := cmd.Flags().GetBool("contacts")
	deals, _ := cmd.Flags().GetBool("deals")
	if !catalog && !contacts && !deals {
		return syncStreams{catalog: true, contacts: true, deals: true}
	}
	return syncStreams{catalog: catalog, contacts: contacts, deals: deals}
}

func runSync(cmd *cobra.Command, open func() (schedule.Source, error)) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := initBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close() //nolint:errcheck

	src, err := open()
	if err != nil {
		return err
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	runner := newRunner(backend, nil).WithDryRun(dryRun)
	streams := streamsFromFlags(cmd)
	log := zap.L().With(zap.String("command", "sync"), zap.String("source", src.SourceSystem()))

	var reports []*ingest.Report
	step := func(name string, fn func() (*ingest.Report, error)) error {
		rep, err := fn()
		if rep != nil {
			reports = append(reports, rep)
		}
		if err != nil {
			return eris.Wrapf(err, "sync %s", name)
		}
		log.Info("stream synced", zap.String("stream", name), zap.Int("ok", rep.OK), zap.Int("failed", rep.Failed))
		return nil
	}

	if streams.catalog {
		if err := step("catalog", func() (*ingest.Report, error) { return runner.SyncCatalog(ctx, src) }); err != nil {
			return err
		}
	}
	if streams.contacts {
		if err := step("contacts", func() (*ingest.Report, error) { return runner.SyncContacts(ctx, src) }); err != nil {
			return err
		}
	}
	if streams.deals {
		if err := step("deals", func() (*ingest.Report, error) { return runner.SyncDeals(ctx, src) }); err != nil {
			return err
		}
	}

	return printOutput(cmd, reports)
}
