package funnel

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/identity"
	"github.com/sells-group/lead-funnel/internal/lead"
)

// Lead event types emitted for deals.
const (
	EventDealCreated       = "deal.created"
	EventDealStageChanged  = "deal.stage.changed"
	EventDealStatusChanged = "deal.status.changed"
)

// Reasons a deal is ignored.
const (
	ReasonNoIdentifier = "no usable email or phone"
	ReasonUnknownLead  = "no lead owns the deal contact"
	ReasonNoExternalID = "deal without id"
)

// Leads is the part of the lead store the tracker needs. Deal events go
// through the funnel store so they commit with the entry they describe.
type Leads interface {
	FindLeadByIdentifier(ctx context.Context, kind identity.Kind, normalized string) (string, error)
}

// Result is the outcome of ingesting one deal.
type Result struct {
	// Ignored is set, with Reason, when the deal cannot be attached to a lead.
	Ignored     bool
	Reason      string
	EntryID     string
	Created     bool
	Transitions int
	Events      int
}

// Tracker upserts deals as funnel entries and appends a transition for every
// stage or status change.
type Tracker struct {
	store   Store
	leads   Leads
	catalog *Catalog
	now     func() time.Time
}

// NewTracker creates a tracker. The catalog must serve the source system of
// the deals passed to IngestDeal.
func NewTracker(store Store, leads Leads, catalog *Catalog) *Tracker {
	return &Tracker{store: store, leads: leads, catalog: catalog, now: time.Now}
}

// IngestDeal resolves the deal's lead, funnel and stage and upserts its entry.
// A new entry gets a single "created" transition; an existing one gets one
// transition per changed dimension. The matching lead events are written in
// the same transaction. Replaying an unchanged deal writes nothing.
func (t *Tracker) IngestDeal(ctx context.Context, d Deal) (Result, error) {
	if strings.TrimSpace(d.ExternalID) == "" {
		return Result{Ignored: true, Reason: ReasonNoExternalID}, nil
	}
	if d.SourceSystem == "" {
		d.SourceSystem = t.catalog.Source()
	}

	leadID, reason, err := t.resolveLead(ctx, d)
	if err != nil {
		return Result{}, err
	}
	if reason != "" {
		return Result{Ignored: true, Reason: reason}, nil
	}

	funnelID, fallback, err := t.catalog.ResolveFunnel(ctx, d.OriginID)
	if err != nil {
		return Result{}, eris.Wrapf(err, "funnel: resolve funnel for deal %s", d.ExternalID)
	}
	stageID, err := t.catalog.ResolveStage(ctx, funnelID, d.StageID, fallback)
	if err != nil {
		return Result{}, eris.Wrapf(err, "funnel: resolve stage for deal %s", d.ExternalID)
	}

	now := t.now().UTC()
	status := StatusFromSource(d.Status)
	changedAt := d.ChangedAt(now)
	prefix := d.dedupePrefix()

	var res Result
	err = t.store.WithTx(ctx, func(tx Store) error {
		res = Result{}
		var events []lead.Event

		existing, err := tx.LockEntry(ctx, d.SourceSystem, d.ExternalRef())
		if err != nil {
			return err
		}

		if existing == nil {
			e := &Entry{
				ID:             uuid.NewString(),
				LeadID:         leadID,
				FunnelID:       funnelID,
				CurrentStageID: stageID,
				Status:         status,
				SourceSystem:   d.SourceSystem,
				ExternalRef:    d.ExternalRef(),
				FirstSeenAt:    d.OpenedAt(now),
				LastSeenAt:     changedAt,
				Meta:           d.Meta,
			}
			inserted, err := tx.InsertEntry(ctx, e)
			if err != nil {
				return err
			}
			if inserted {
				n, err := tx.AppendTransitions(ctx, []Transition{{
					EntryID:    e.ID,
					ToStageID:  stageID,
					ToStatus:   status,
					OccurredAt: e.FirstSeenAt,
					DedupeKey:  prefix + ":created",
				}})
				if err != nil {
					return err
				}
				res = Result{EntryID: e.ID, Created: true, Transitions: int(n)}
				events = append(events, lead.Event{
					LeadID:       leadID,
					EventType:    EventDealCreated,
					SourceSystem: d.SourceSystem,
					OccurredAt:   e.FirstSeenAt,
					IngestedAt:   now,
					DedupeKey:    prefix + ":created",
					Payload: map[string]any{
						"deal_id": d.ExternalID, "funnel_id": funnelID, "stage_id": stageID, "status": string(status),
					},
				})
				written, err := tx.AppendEvents(ctx, events)
				if err != nil {
					return err
				}
				res.Events = int(written)
				return nil
			}

			// Lost the insert race: the other writer's row is now visible.
			if existing, err = tx.LockEntry(ctx, d.SourceSystem, d.ExternalRef()); err != nil {
				return err
			}
			if existing == nil {
				return eris.Errorf("funnel: entry %s vanished after conflict", d.ExternalRef())
			}
		}

		var ts []Transition
		if existing.CurrentStageID != stageID {
			ts = append(ts, Transition{
				EntryID:     existing.ID,
				FromStageID: existing.CurrentStageID,
				ToStageID:   stageID,
				OccurredAt:  changedAt,
				DedupeKey:   prefix + ":stage:" + stageRef(stageID) + "@" + stamp(changedAt),
			})
			events = append(events, lead.Event{
				LeadID:       leadID,
				EventType:    EventDealStageChanged,
				SourceSystem: d.SourceSystem,
				OccurredAt:   changedAt,
				IngestedAt:   now,
				DedupeKey:    prefix + ":stage:" + stageRef(stageID),
				Payload: map[string]any{
					"deal_id": d.ExternalID, "funnel_id": funnelID,
					"old_stage_id": existing.CurrentStageID, "new_stage_id": stageID,
				},
			})
		}
		if existing.Status != status {
			ts = append(ts, Transition{
				EntryID:    existing.ID,
				FromStatus: existing.Status,
				ToStatus:   status,
				OccurredAt: changedAt,
				DedupeKey:  prefix + ":status:" + string(status) + "@" + stamp(changedAt),
			})
			events = append(events, lead.Event{
				LeadID:       leadID,
				EventType:    EventDealStatusChanged,
				SourceSystem: d.SourceSystem,
				OccurredAt:   changedAt,
				IngestedAt:   now,
				DedupeKey:    prefix + ":status:" + string(status),
				Payload: map[string]any{
					"deal_id": d.ExternalID, "funnel_id": funnelID,
					"old_status": string(existing.Status), "new_status": string(status),
				},
			})
		}

		res.EntryID = existing.ID
		if len(ts) == 0 && existing.LeadID == leadID && existing.FunnelID == funnelID {
			return nil
		}

		updated := *existing
		updated.LeadID = leadID
		updated.FunnelID = funnelID
		updated.CurrentStageID = stageID
		updated.Status = status
		updated.LastSeenAt = changedAt
		if d.Meta != nil {
			updated.Meta = d.Meta
		}
		if err := tx.UpdateEntry(ctx, &updated); err != nil {
			return err
		}
		n, err := tx.AppendTransitions(ctx, ts)
		if err != nil {
			return err
		}
		res.Transitions = int(n)
		written, err := tx.AppendEvents(ctx, events)
		if err != nil {
			return err
		}
		res.Events = int(written)
		return nil
	})
	if err != nil {
		return Result{}, eris.Wrapf(err, "funnel: ingest deal %s", d.ExternalID)
	}

	if res.Transitions > 0 {
		zap.L().Debug("funnel: deal transitioned",
			zap.String("source", d.SourceSystem),
			zap.String("deal", d.ExternalID),
			zap.Int("transitions", res.Transitions),
			zap.Bool("created", res.Created),
		)
	}
	return res, nil
}

// resolveLead finds the lead owning the deal contact's email, then phone.
// A non-empty reason means the deal must be ignored.
func (t *Tracker) resolveLead(ctx context.Context, d Deal) (leadID, reason string, err error) {
	ids := identity.Collect([]string{d.Email}, []string{d.Phone})
	if len(ids) == 0 {
		return "", ReasonNoIdentifier, nil
	}
	for _, id := range ids {
		leadID, err = t.leads.FindLeadByIdentifier(ctx, id.Kind, id.Normalized)
		if err != nil {
			return "", "", eris.Wrapf(err, "funnel: find lead for deal %s", d.ExternalID)
		}
		if leadID != "" {
			return leadID, "", nil
		}
	}
	return "", ReasonUnknownLead, nil
}

func stageRef(id string) string {
	if id == "" {
		return "null"
	}
	return id
}

func stamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
