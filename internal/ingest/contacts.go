package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-funnel/internal/identity"
	"github.com/sells-group/lead-funnel/internal/lead"
	"github.com/sells-group/lead-funnel/internal/metrics"
	"github.com/sells-group/lead-funnel/internal/resilience"
)

// LeadResolver finds or creates the lead owning a set of identifiers.
type LeadResolver interface {
	Resolve(ctx context.Context, ids []identity.Identifier, attrs lead.Attributes) (lead.Resolution, error)
}

// BatchWriter persists a chunk's provenance.
type BatchWriter interface {
	WriteBatch(ctx context.Context, b lead.Batch) (lead.BatchResult, error)
}

// ContactOptions tune a ContactIngester. OnResolved, when set, is called
// once per contact after its chunk was written, with the id of the lead that
// owns it. Dry runs call it with an empty lead id.
type ContactOptions struct {
	ChunkSize  int
	Retry      resilience.RetryConfig
	DryRun     bool
	Metrics    *metrics.Ingest
	OnResolved func(c ValidContact, leadID string)
}

// ContactIngester resolves contact records into leads and links their
// sources, tags and events.
type ContactIngester struct {
	resolver LeadResolver
	writer   BatchWriter
	opts     ContactOptions
	now      func() time.Time
	log      *zap.Logger
}

// NewContactIngester creates a contact ingester. A chunk size below 1
// defaults to 50.
func NewContactIngester(resolver LeadResolver, writer BatchWriter, opts ContactOptions) *ContactIngester {
	if opts.ChunkSize < 1 {
		opts.ChunkSize = 50
	}
	return &ContactIngester{
		resolver: resolver,
		writer:   writer,
		opts:     opts,
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "ingest.contacts")),
	}
}

// resolvedContact is a contact whose lead is known.
type resolvedContact struct {
	contact ValidContact
	res     lead.Resolution
}

// Ingest processes records in chunks. Every record ends as exactly one
// outcome in rep. br, when set, sees one result per resolved or failed
// record. A fatal error stops processing and is returned.
func (ci *ContactIngester) Ingest(ctx context.Context, records []ContactRecord, rep *Report, br *resilience.Breaker, wm *Watermark) error {
	for start := 0; start < len(records); start += ci.opts.ChunkSize {
		end := min(start+ci.opts.ChunkSize, len(records))
		if err := ci.chunk(ctx, records[start:end], rep, br, wm); err != nil {
			return err
		}
		if br != nil && br.Tripped() {
			return nil
		}
	}
	return nil
}

func (ci *ContactIngester) chunk(ctx context.Context, records []ContactRecord, rep *Report, br *resilience.Breaker, wm *Watermark) error {
	resolved := make([]*resolvedContact, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ci.opts.ChunkSize)
	for i, rec := range records {
		g.Go(func() error {
			vc, ok := Validate(rec)
			if !ok {
				settle(rep, br, ci.opts.Metrics, "contacts", rec.SourceSystem, Ignored(rec.Ref(), ReasonNoIdentifier))
				return nil
			}
			if wm != nil {
				wm.Advance(vc.UpdatedAt)
			}
			if ci.opts.DryRun {
				resolved[i] = &resolvedContact{contact: vc}
				return nil
			}

			res, err := resilience.DoVal(gctx, ci.opts.Retry, func(ctx context.Context) (lead.Resolution, error) {
				return ci.resolver.Resolve(ctx, vc.Identifiers, lead.Attributes{
					Name:           vc.Name,
					FirstContactAt: vc.CreatedAt,
					LastActivityAt: vc.UpdatedAt,
				})
			})
			switch {
			case err == nil:
				resolved[i] = &resolvedContact{contact: vc, res: res}
			case resilience.IsFatal(err):
				return eris.Wrapf(err, "ingest: resolve %s", vc.Ref())
			case gctx.Err() != nil:
				// A sibling hit a fatal error; the run is over.
			default:
				settle(rep, br, ci.opts.Metrics, "contacts", vc.SourceSystem, Failed(vc.Ref(), err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var ok []*resolvedContact
	for _, r := range resolved {
		if r != nil {
			ok = append(ok, r)
		}
	}
	if len(ok) == 0 {
		return nil
	}

	batch, merged := ci.batch(ok)
	totals := Totals{LeadsUpserted: len(ok), LeadsMerged: len(merged)}
	if ci.opts.DryRun {
		totals.LeadTagsLinked = len(batch.Tags)
		totals.EventsWritten = len(batch.Events)
	} else {
		written, err := resilience.DoVal(ctx, ci.opts.Retry, func(ctx context.Context) (lead.BatchResult, error) {
			return ci.writer.WriteBatch(ctx, batch)
		})
		if err != nil {
			if resilience.IsFatal(err) {
				return eris.Wrap(err, "ingest: write contact chunk")
			}
			ci.log.Warn("chunk write failed", zap.Int("records", len(ok)), zap.Error(err))
			for _, r := range ok {
				settle(rep, br, ci.opts.Metrics, "contacts", r.contact.SourceSystem, Failed(r.contact.Ref(), err))
			}
			return nil
		}
		totals.LeadTagsLinked = int(written.TagsLinked)
		totals.EventsWritten = int(written.Events)
	}

	for _, r := range ok {
		settle(rep, br, ci.opts.Metrics, "contacts", r.contact.SourceSystem, OK(r.contact.Ref()))
		if ci.opts.OnResolved != nil {
			ci.opts.OnResolved(r.contact, follow(merged, r.res.LeadID))
		}
	}
	rep.AddTotals(totals)
	return nil
}

// follow returns the lead that finally absorbed id.
func follow(merged map[string]string, id string) string {
	for i := 0; i < len(merged); i++ {
		next, ok := merged[id]
		if !ok {
			break
		}
		id = next
	}
	return id
}

// batch assembles the provenance of resolved contacts. Lead ids absorbed by
// a later merge in the same chunk are rewritten to the surviving lead; the
// absorbed → survivor map is returned alongside.
func (ci *ContactIngester) batch(resolved []*resolvedContact) (lead.Batch, map[string]string) {
	now := ci.now().UTC()
	var b lead.Batch
	merged := make(map[string]string)

	for _, r := range resolved {
		c := r.contact
		src := c.SourceSystem
		ref := c.Ref()
		seen := now
		if c.UpdatedAt != nil && !c.UpdatedAt.IsZero() {
			seen = c.UpdatedAt.UTC()
		}
		occurred := now
		if c.CreatedAt != nil && !c.CreatedAt.IsZero() {
			occurred = c.CreatedAt.UTC()
		}
		for _, absorbed := range r.res.Merged {
			merged[absorbed] = r.res.LeadID
		}

		b.Sources = append(b.Sources, lead.SourceLink{
			LeadID: r.res.LeadID, SourceSystem: src, SourceRef: ref, SeenAt: seen, Meta: c.Meta,
		})
		b.Events = append(b.Events, lead.Event{
			LeadID:       r.res.LeadID,
			EventType:    lead.EventContactImported,
			SourceSystem: src,
			OccurredAt:   occurred,
			IngestedAt:   now,
			DedupeKey:    ContactDedupeKey(src, c.ExternalID),
			Payload:      map[string]any{"contact_id": c.ExternalID, "email": c.Email(), "name": c.Name},
		})

		for _, t := range c.Tags {
			category := t.Category
			if category == "" {
				category = src
			}
			b.Tags = append(b.Tags, lead.TagLink{
				LeadID:       r.res.LeadID,
				TagKey:       t.Key,
				TagName:      t.Name,
				Category:     category,
				SourceSystem: src,
				SourceRef:    ref,
				SeenAt:       seen,
				Meta:         map[string]any{"from": src + ".contact.tags"},
			})
			b.Events = append(b.Events, lead.Event{
				LeadID:       r.res.LeadID,
				EventType:    lead.EventTagAdded,
				SourceSystem: src,
				OccurredAt:   seen,
				IngestedAt:   now,
				DedupeKey:    TagDedupeKey(src, c.ExternalID, t.Key),
				Payload:      map[string]any{"tag_key": t.Key, "tag_name": t.Name},
			})
		}
	}

	b.Remap(merged)
	return b, merged
}
