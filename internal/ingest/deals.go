package ingest

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-funnel/internal/funnel"
	"github.com/sells-group/lead-funnel/internal/identity"
	"github.com/sells-group/lead-funnel/internal/metrics"
	"github.com/sells-group/lead-funnel/internal/resilience"
)

// DealTracker upserts one deal as a funnel entry.
type DealTracker interface {
	IngestDeal(ctx context.Context, d funnel.Deal) (funnel.Result, error)
}

// DealOptions tune a DealIngester.
type DealOptions struct {
	Concurrency int
	Retry       resilience.RetryConfig
	DryRun      bool
	Metrics     *metrics.Ingest
}

// DealIngester feeds deal records through the funnel tracker with bounded
// concurrency.
type DealIngester struct {
	tracker DealTracker
	opts    DealOptions
}

// NewDealIngester creates a deal ingester. Concurrency below 1 defaults to
// 50.
func NewDealIngester(tracker DealTracker, opts DealOptions) *DealIngester {
	if opts.Concurrency < 1 {
		opts.Concurrency = 50
	}
	return &DealIngester{tracker: tracker, opts: opts}
}

// Ingest processes one page of deals. Every record ends as exactly one
// outcome in rep; a fatal error is returned once all started records settle.
func (di *DealIngester) Ingest(ctx context.Context, records []DealRecord, rep *Report, br *resilience.Breaker, wm *Watermark) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(di.opts.Concurrency)

	for _, rec := range records {
		g.Go(func() error {
			d := rec.Deal()
			ref := d.ExternalRef()
			if wm != nil {
				wm.Advance(d.StageUpdatedAt)
			}

			if di.opts.DryRun {
				settle(rep, br, di.opts.Metrics, "deals", d.SourceSystem, dryRunDeal(d))
				return nil
			}

			res, err := resilience.DoVal(gctx, di.opts.Retry, func(ctx context.Context) (funnel.Result, error) {
				return di.tracker.IngestDeal(ctx, d)
			})
			switch {
			case err == nil && res.Ignored:
				settle(rep, br, di.opts.Metrics, "deals", d.SourceSystem, Ignored(ref, res.Reason))
			case err == nil:
				settle(rep, br, di.opts.Metrics, "deals", d.SourceSystem, OK(ref))
				rep.AddTotals(Totals{
					FunnelEntriesUpserted: 1,
					TransitionsRecorded:   res.Transitions,
					EventsWritten:         res.Events,
				})
			case resilience.IsFatal(err):
				return eris.Wrapf(err, "ingest: deal %s", d.ExternalID)
			case gctx.Err() != nil:
			default:
				settle(rep, br, di.opts.Metrics, "deals", d.SourceSystem, Failed(ref, err))
			}
			return nil
		})
	}
	return g.Wait()
}

// dryRunDeal applies the checks the tracker makes before touching the store.
func dryRunDeal(d funnel.Deal) Outcome {
	ref := d.ExternalRef()
	if strings.TrimSpace(d.ExternalID) == "" {
		return Ignored(ref, funnel.ReasonNoExternalID)
	}
	if len(identity.Collect([]string{d.Email}, []string{d.Phone})) == 0 {
		return Ignored(ref, funnel.ReasonNoIdentifier)
	}
	return OK(ref)
}
