package lead

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/identity"
	"github.com/sells-group/lead-funnel/internal/resilience"
)

// ErrNoIdentifiers is returned when Resolve is called without any usable
// identifier.
var ErrNoIdentifiers = eris.New("lead: no usable identifier")

// errIdentifierClaimed signals that a concurrent writer attached one of the
// identifiers of a lead being created. The transaction is rolled back and
// resolution starts over as a match.
var errIdentifierClaimed = eris.New("lead: identifier claimed concurrently")

const maxResolveAttempts = 3

// Attributes are the non-identifying fields of an incoming contact.
type Attributes struct {
	Name           string
	FirstContactAt *time.Time
	LastActivityAt *time.Time
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	LeadID  string
	Created bool
	// Merged lists leads absorbed into LeadID by this call.
	Merged []string
}

// Resolver maps normalized identifiers to leads.
type Resolver struct {
	store Store
	now   func() time.Time
}

// NewResolver creates a lead resolver.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store, now: time.Now}
}

// Resolve finds or creates the lead owning ids.
//
// With no owner a new lead is created and every identifier attached. With
// one owner the lead is reused, its name improved and activity widened. With
// several owners the first owner discovered (in the order of ids) absorbs the
// others; only the leads owning the supplied identifiers are merged, never the
// wider set connected to them through history.
func (r *Resolver) Resolve(ctx context.Context, ids []identity.Identifier, attrs Attributes) (Resolution, error) {
	if len(ids) == 0 {
		return Resolution{}, ErrNoIdentifiers
	}

	var res Resolution
	var err error
	for attempt := 1; attempt <= maxResolveAttempts; attempt++ {
		err = r.store.WithTx(ctx, func(tx Store) error {
			var txErr error
			res, txErr = r.resolveTx(ctx, tx, ids, attrs)
			return txErr
		})
		if err == nil {
			return res, nil
		}
		if !eris.Is(err, errIdentifierClaimed) && !resilience.IsUniqueViolation(err) {
			return Resolution{}, err
		}
		zap.L().Debug("lead: resolve lost identifier race, retrying",
			zap.String("identifier", ids[0].Key()),
			zap.Int("attempt", attempt),
		)
	}
	return Resolution{}, eris.Wrap(err, "lead: resolve")
}

func (r *Resolver) resolveTx(ctx context.Context, tx Store, ids []identity.Identifier, attrs Attributes) (Resolution, error) {
	owners, err := tx.FindOwners(ctx, ids)
	if err != nil {
		return Resolution{}, eris.Wrap(err, "lead: find owners")
	}

	ownerOf := make(map[string]string, len(owners))
	for _, o := range owners {
		ownerOf[string(o.Kind)+":"+o.Normalized] = o.LeadID
	}

	var leadIDs []string
	seen := make(map[string]bool)
	for _, id := range ids {
		if leadID, ok := ownerOf[id.Key()]; ok && !seen[leadID] {
			seen[leadID] = true
			leadIDs = append(leadIDs, leadID)
		}
	}

	if len(leadIDs) == 0 {
		return r.create(ctx, tx, ids, attrs)
	}

	res := Resolution{LeadID: leadIDs[0]}
	target, err := tx.GetLead(ctx, res.LeadID)
	if err != nil {
		return Resolution{}, eris.Wrapf(err, "lead: load %s", res.LeadID)
	}
	if target == nil {
		return Resolution{}, eris.Wrapf(errIdentifierClaimed, "lead: owner %s vanished", res.LeadID)
	}
	before := *target

	if len(leadIDs) > 1 {
		res.Merged = leadIDs[1:]
		if err := r.merge(ctx, tx, target, res.Merged); err != nil {
			return Resolution{}, err
		}
	}

	applyAttributes(target, attrs)
	if leadChanged(before, *target) || len(res.Merged) > 0 {
		target.UpdatedAt = r.now().UTC()
		if err := tx.UpdateLead(ctx, target); err != nil {
			return Resolution{}, eris.Wrapf(err, "lead: update %s", target.ID)
		}
	}

	for _, id := range ids {
		if _, owned := ownerOf[id.Key()]; owned {
			continue
		}
		// A concurrent writer may have attached it already; that is fine.
		if _, err := tx.AttachIdentifier(ctx, target.ID, id, false); err != nil {
			return Resolution{}, eris.Wrapf(err, "lead: attach %s", id.Key())
		}
	}
	return res, nil
}

func (r *Resolver) create(ctx context.Context, tx Store, ids []identity.Identifier, attrs Attributes) (Resolution, error) {
	now := r.now().UTC()
	l := &Lead{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	applyAttributes(l, attrs)

	if err := tx.CreateLead(ctx, l); err != nil {
		return Resolution{}, eris.Wrap(err, "lead: create")
	}
	for i, id := range ids {
		attached, err := tx.AttachIdentifier(ctx, l.ID, id, i == 0)
		if err != nil {
			return Resolution{}, eris.Wrapf(err, "lead: attach %s", id.Key())
		}
		if !attached {
			return Resolution{}, errIdentifierClaimed
		}
	}
	return Resolution{LeadID: l.ID, Created: true}, nil
}

// merge folds the absorbed leads' names and activity into target, moves their
// rows and deletes them.
func (r *Resolver) merge(ctx context.Context, tx Store, target *Lead, absorbed []string) error {
	for _, id := range absorbed {
		other, err := tx.GetLead(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "lead: load absorbed %s", id)
		}
		if other == nil {
			continue
		}
		applyAttributes(target, Attributes{
			Name:           other.FullName,
			FirstContactAt: other.FirstContactAt,
			LastActivityAt: other.LastActivityAt,
		})
	}

	if err := tx.MergeLeads(ctx, target.ID, absorbed); err != nil {
		return eris.Wrapf(err, "lead: merge into %s", target.ID)
	}

	now := r.now().UTC()
	events := make([]Event, 0, len(absorbed))
	for _, id := range absorbed {
		events = append(events, Event{
			LeadID:       target.ID,
			EventType:    EventLeadMerged,
			SourceSystem: "identity",
			OccurredAt:   now,
			IngestedAt:   now,
			DedupeKey:    "identity:merge:" + id + ":" + target.ID,
			Payload:      map[string]any{"absorbed_lead_id": id},
		})
	}
	if _, err := tx.WriteBatch(ctx, Batch{Events: events}); err != nil {
		return eris.Wrap(err, "lead: record merge events")
	}

	zap.L().Info("lead: merged leads",
		zap.String("target", target.ID),
		zap.Strings("absorbed", absorbed),
	)
	return nil
}

// applyAttributes improves the name and widens the activity window of l.
func applyAttributes(l *Lead, attrs Attributes) {
	if attrs.Name != "" || l.FullName != "" {
		l.FullName = identity.ChooseBetterName(l.FullName, attrs.Name)
	}
	if t := attrs.FirstContactAt; t != nil && (l.FirstContactAt == nil || t.Before(*l.FirstContactAt)) {
		v := t.UTC()
		l.FirstContactAt = &v
	}
	if t := attrs.LastActivityAt; t != nil && (l.LastActivityAt == nil || t.After(*l.LastActivityAt)) {
		v := t.UTC()
		l.LastActivityAt = &v
	}
}

func leadChanged(a, b Lead) bool {
	return a.FullName != b.FullName ||
		!timePtrEqual(a.FirstContactAt, b.FirstContactAt) ||
		!timePtrEqual(a.LastActivityAt, b.LastActivityAt)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
