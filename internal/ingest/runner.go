package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/config"
	"github.com/sells-group/lead-funnel/internal/funnel"
	"github.com/sells-group/lead-funnel/internal/lead"
	"github.com/sells-group/lead-funnel/internal/metrics"
	"github.com/sells-group/lead-funnel/internal/runlog"
	"github.com/sells-group/lead-funnel/internal/survey"
)

// Run kinds written to the run log.
const (
	KindCatalog     = "catalog"
	KindContacts    = "contacts"
	KindDeals       = "deals"
	KindSpreadsheet = "spreadsheet"
	KindSurvey      = "survey"
)

// DealStatuses are the source statuses swept by SyncDeals, one stream each.
var DealStatuses = []string{"OPEN", "WON", "LOST"}

// ContactSource pages through a source's contacts.
type ContactSource interface {
	SourceSystem() string
	Contacts(ctx context.Context, page, size int) ([]ContactRecord, bool, error)
}

// DealSource pages through a source's deals of one status.
type DealSource interface {
	SourceSystem() string
	Deals(ctx context.Context, status string, page, size int) ([]DealRecord, bool, error)
}

// CatalogSource lists a source's tags and pipelines.
type CatalogSource interface {
	SourceSystem() string
	Tags(ctx context.Context) ([]Tag, error)
	Origins(ctx context.Context) ([]funnel.Origin, error)
}

// Runner executes ingestion runs against the stores and records each run in
// the run log.
type Runner struct {
	cfg     config.IngestConfig
	leads   lead.Store
	funnels funnel.Store
	runs    runlog.Log
	surveys survey.Store
	metrics *metrics.Ingest
	dryRun  bool
	log     *zap.Logger
}

// NewRunner creates a runner. runs and m may be nil.
func NewRunner(cfg config.IngestConfig, leads lead.Store, funnels funnel.Store, runs runlog.Log, m *metrics.Ingest) *Runner {
	return &Runner{
		cfg:     cfg,
		leads:   leads,
		funnels: funnels,
		runs:    runs,
		metrics: m,
		log:     zap.L().With(zap.String("component", "ingest.runner")),
	}
}

// WithDryRun makes the runner validate and count records without writing.
// Dry runs are not recorded in the run log.
func (r *Runner) WithDryRun(dry bool) *Runner {
	r.dryRun = dry
	return r
}

// run wraps one ingestion run: run log bookkeeping, metrics and the final
// log line. The report gathered so far is returned even when fn fails.
func (r *Runner) run(ctx context.Context, source, kind string, fn func(ctx context.Context, rep *Report) error) (*Report, error) {
	rep := NewReport(source, kind)
	rep.DryRun = r.dryRun
	start := time.Now()
	log := r.log.With(zap.String("source", source), zap.String("kind", kind))

	var runID int64
	if r.runs != nil && !r.dryRun {
		id, err := r.runs.Start(ctx, source, kind)
		if err != nil {
			return rep, eris.Wrap(err, "ingest: start run")
		}
		runID = id
	}
	log.Info("run started", zap.Int64("run_id", runID), zap.Bool("dry_run", r.dryRun))

	err := fn(ctx, rep)
	rep.Finish()

	status := runlog.StatusComplete
	if err != nil {
		status = runlog.StatusFailed
	}
	if runID != 0 {
		// Record the outcome even when the run was cancelled.
		bg := context.WithoutCancel(ctx)
		var logErr error
		if err != nil {
			logErr = r.runs.Fail(bg, runID, rep, err)
		} else {
			logErr = r.runs.Complete(bg, runID, rep)
		}
		if logErr != nil {
			log.Error("run log update failed", zap.Int64("run_id", runID), zap.Error(logErr))
		}
	}

	elapsed := time.Since(start)
	r.metrics.Run(source, kind, status, elapsed)
	for _, s := range rep.Streams {
		r.metrics.Stream(source, s.Name, s.Pages, s.Aborted)
	}

	fields := []zap.Field{
		zap.Int64("run_id", runID),
		zap.Int("processed", rep.Processed),
		zap.Int("ok", rep.OK),
		zap.Int("ignored", rep.IgnoredInvalidIdentifier),
		zap.Int("failed", rep.Failed),
		zap.Bool("aborted", rep.Aborted()),
		zap.Duration("elapsed", elapsed),
	}
	if err != nil {
		log.Error("run failed", append(fields, zap.Error(err))...)
	} else {
		log.Info("run complete", fields...)
	}
	return rep, err
}

// SyncCatalog writes the source's tags and pipelines: a funnel with alias
// per origin, its stages, and the catch-all funnel for deals without a known
// origin.
func (r *Runner) SyncCatalog(ctx context.Context, src CatalogSource) (*Report, error) {
	source := src.SourceSystem()
	return r.run(ctx, source, KindCatalog, func(ctx context.Context, rep *Report) error {
		tags, err := src.Tags(ctx)
		if err != nil {
			return eris.Wrap(err, "ingest: list tags")
		}
		defs := make([]lead.TagDef, 0, len(tags))
		for _, t := range uniqueTags(tags) {
			defs = append(defs, lead.TagDef{Key: t.Key, Name: t.Name, Category: source})
		}
		if !r.dryRun {
			if _, err := r.leads.UpsertTags(ctx, defs); err != nil {
				return eris.Wrap(err, "ingest: upsert tags")
			}
		}
		for _, d := range defs {
			rep.Record(OK("tag:" + d.Key))
		}

		origins, err := src.Origins(ctx)
		if err != nil {
			return eris.Wrap(err, "ingest: list origins")
		}
		catalog := funnel.NewCatalog(r.funnels, source)
		for _, o := range origins {
			ref := "origin:" + o.ID
			if r.dryRun {
				rep.Record(OK(ref))
				continue
			}
			if _, err := catalog.SyncOrigin(ctx, o); err != nil {
				rep.Record(Failed(ref, err))
				continue
			}
			rep.Record(OK(ref))
		}
		if r.dryRun {
			return nil
		}
		if _, err := catalog.EnsureFallback(ctx); err != nil {
			return eris.Wrap(err, "ingest: ensure fallback funnel")
		}
		return nil
	})
}

// SyncContacts pages through every contact of the source.
func (r *Runner) SyncContacts(ctx context.Context, src ContactSource) (*Report, error) {
	source := src.SourceSystem()
	return r.run(ctx, source, KindContacts, func(ctx context.Context, rep *Report) error {
		ci := NewContactIngester(lead.NewResolver(r.leads), r.leads, ContactOptions{
			ChunkSize: r.cfg.ContactChunkSize,
			Retry:     RetryConfigFrom(r.cfg),
			DryRun:    r.dryRun,
			Metrics:   r.metrics,
		})
		size := pageSize(r.cfg.PageSize)

		sr, err := Paginate(ctx, PagerConfigFrom(r.cfg), "contacts", rep,
			func(ctx context.Context, page int) ([]ContactRecord, bool, error) {
				return src.Contacts(ctx, page, size)
			},
			func(ctx context.Context, p Page[ContactRecord]) error {
				return ci.Ingest(ctx, p.Items, rep, p.Breaker, p.Watermark)
			})
		rep.AddStream(sr)
		return err
	})
}

// SyncDeals sweeps the source's deals once per status in DealStatuses. A
// stream aborted by consecutive failures does not stop the other statuses.
func (r *Runner) SyncDeals(ctx context.Context, src DealSource) (*Report, error) {
	source := src.SourceSystem()
	return r.run(ctx, source, KindDeals, func(ctx context.Context, rep *Report) error {
		catalog := funnel.NewCatalog(r.funnels, source)
		di := NewDealIngester(funnel.NewTracker(r.funnels, r.leads, catalog), DealOptions{
			Concurrency: r.cfg.DealConcurrency,
			Retry:       RetryConfigFrom(r.cfg),
			DryRun:      r.dryRun,
			Metrics:     r.metrics,
		})
		size := pageSize(r.cfg.DealPageSize)

		for _, status := range DealStatuses {
			sr, err := Paginate(ctx, PagerConfigFrom(r.cfg), "deals:"+status, rep,
				func(ctx context.Context, page int) ([]DealRecord, bool, error) {
					return src.Deals(ctx, status, page, size)
				},
				func(ctx context.Context, p Page[DealRecord]) error {
					return di.Ingest(ctx, p.Items, rep, p.Breaker, p.Watermark)
				})
			rep.AddStream(sr)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func pageSize(n int) int {
	if n <= 0 {
		return 200
	}
	return n
}
