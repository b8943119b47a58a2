// Package salesforce adapts Salesforce contacts and opportunities to the
// ingest sources. Opportunities form a single pipeline whose stages are the
// active OpportunityStage picklist.
package salesforce

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/funnel"
	"github.com/sells-group/lead-funnel/internal/ingest"
	"github.com/sells-group/lead-funnel/internal/resilience"
	sf "github.com/sells-group/lead-funnel/pkg/salesforce"
)

// PipelineID is the origin id every opportunity maps to.
const PipelineID = "opportunities"

// Source implements ingest.ContactSource, DealSource and CatalogSource over
// a Salesforce org. Pages are fetched by Id keyset, so a page number is only
// valid after the page before it was read.
type Source struct {
	client sf.Client
	system string
	retry  resilience.RetryConfig
	mapper ContactMapper
	log    *zap.Logger

	mu      sync.Mutex
	cursors map[string]map[int]string
}

var (
	_ ingest.ContactSource = (*Source)(nil)
	_ ingest.DealSource    = (*Source)(nil)
	_ ingest.CatalogSource = (*Source)(nil)
)

// NewSource wraps c. system defaults to "salesforce".
func NewSource(c sf.Client, system string, retry resilience.RetryConfig) *Source {
	if system == "" {
		system = "salesforce"
	}
	return &Source{
		client:  c,
		system:  system,
		retry:   retry,
		log:     zap.L().With(zap.String("component", "salesforce.source"), zap.String("source", system)),
		cursors: make(map[string]map[int]string),
	}
}

// SourceSystem returns the source system name stamped on every record.
func (s *Source) SourceSystem() string { return s.system }

// cursor returns the Id page starts after. ok is false when the page before
// it has not been read.
func (s *Source) cursor(stream string, page int) (string, bool) {
	if page <= 1 {
		return "", true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	after, ok := s.cursors[stream][page]
	return after, ok
}

func (s *Source) advance(stream string, page int, lastID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursors[stream] == nil {
		s.cursors[stream] = make(map[int]string)
	}
	s.cursors[stream][page+1] = lastID
}

// Contacts returns one page of contacts in Id order.
func (s *Source) Contacts(ctx context.Context, page, size int) ([]ingest.ContactRecord, bool, error) {
	after, ok := s.cursor("contacts", page)
	if !ok {
		return nil, false, nil
	}
	rows, err := sf.QueryContacts(ctx, s.client, after, size)
	if err != nil {
		return nil, false, err
	}
	out := make([]ingest.ContactRecord, 0, len(rows))
	for _, c := range rows {
		out = append(out, ingest.MapContact(s.system, s.mapper, c, map[string]any{"object": "Contact"}))
	}
	if len(rows) > 0 {
		s.advance("contacts", page, rows[len(rows)-1].ID)
	}
	return out, size > 0 && len(rows) == size, nil
}

// Deals returns one page of opportunities in the given status.
func (s *Source) Deals(ctx context.Context, status string, page, size int) ([]ingest.DealRecord, bool, error) {
	stream := "deals:" + status
	after, ok := s.cursor(stream, page)
	if !ok {
		return nil, false, nil
	}
	rows, err := sf.QueryOpportunities(ctx, s.client, status, after, size)
	if err != nil {
		return nil, false, err
	}
	out := make([]ingest.DealRecord, 0, len(rows))
	for _, o := range rows {
		out = append(out, DealRecord(s.system, o))
	}
	if len(rows) > 0 {
		s.advance(stream, page, rows[len(rows)-1].ID)
	}
	return out, size > 0 && len(rows) == size, nil
}

// Tags lists the active Contact.LeadSource values.
func (s *Source) Tags(ctx context.Context) ([]ingest.Tag, error) {
	rc := s.retry
	rc.OnRetry = resilience.RetryLogger(s.system, "lead sources")
	vals, err := resilience.DoVal(ctx, rc, func(ctx context.Context) ([]sf.PicklistValue, error) {
		return sf.LeadSources(ctx, s.client)
	})
	if err != nil {
		return nil, eris.Wrap(err, "salesforce: list tags")
	}
	out := make([]ingest.Tag, 0, len(vals))
	for _, v := range vals {
		out = append(out, ingest.Tag{Key: v.Value, Name: firstNonEmpty(v.Label, v.Value), Category: leadSourceCategory})
	}
	return out, nil
}

// Origins returns the opportunity pipeline with its active stages.
func (s *Source) Origins(ctx context.Context) ([]funnel.Origin, error) {
	rc := s.retry
	rc.OnRetry = resilience.RetryLogger(s.system, "opportunity stages")
	stages, err := resilience.DoVal(ctx, rc, func(ctx context.Context) ([]sf.OpportunityStage, error) {
		return sf.QueryStages(ctx, s.client)
	})
	if err != nil {
		return nil, eris.Wrap(err, "salesforce: list origins")
	}
	o := funnel.Origin{ID: PipelineID, Name: "Opportunities"}
	for _, st := range stages {
		o.Stages = append(o.Stages, funnel.StageDef{ID: st.MasterLabel, Name: st.MasterLabel, Position: st.SortOrder})
	}
	s.log.Debug("opportunity stages listed", zap.Int("stages", len(o.Stages)))
	return []funnel.Origin{o}, nil
}

const leadSourceCategory = "lead_source"

// ContactMapper extracts ingest fields from Salesforce contacts.
type ContactMapper struct{}

var _ ingest.Mapper[sf.Contact] = ContactMapper{}

func (ContactMapper) ExternalID(c sf.Contact) string { return c.ID }

func (ContactMapper) PickEmail(c sf.Contact) []string {
	if e := strings.TrimSpace(c.Email); e != "" {
		return []string{e}
	}
	return nil
}

// PickPhone returns the business phone and the mobile, in that order.
func (ContactMapper) PickPhone(c sf.Contact) []string {
	var out []string
	for _, p := range []string{c.Phone, c.MobilePhone} {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (ContactMapper) PickName(c sf.Contact) string {
	if n := strings.TrimSpace(c.Name); n != "" {
		return n
	}
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}

// PickTags turns the lead source into a tag.
func (ContactMapper) PickTags(c sf.Contact) []ingest.Tag {
	ls := strings.TrimSpace(c.LeadSource)
	if ls == "" {
		return nil
	}
	return []ingest.Tag{{Key: ls, Name: ls, Category: leadSourceCategory}}
}

func (ContactMapper) Timestamps(c sf.Contact) (created, updated *time.Time) {
	return parseTime(c.CreatedDate), parseTime(c.LastModifiedDate)
}

// DealRecord maps an opportunity onto a deal. The close date stamps the win
// or the loss.
func DealRecord(system string, o sf.Opportunity) ingest.DealRecord {
	rec := ingest.DealRecord{
		SourceSystem:   system,
		ExternalID:     o.ID,
		OriginID:       PipelineID,
		StageID:        o.StageName,
		Status:         sf.StatusOpen,
		CreatedAt:      parseTime(o.CreatedDate),
		StageUpdatedAt: parseTime(firstNonEmpty(o.LastStageChange, o.LastModifiedDate)),
		Meta:           map[string]any{"name": o.Name},
	}
	if o.LeadSource != "" {
		rec.Meta["lead_source"] = o.LeadSource
	}
	if o.Contact != nil {
		rec.Email = strings.TrimSpace(o.Contact.Email)
		rec.Phone = firstNonEmpty(o.Contact.Phone, o.Contact.MobilePhone)
	}
	closed := parseTime(o.CloseDate)
	switch {
	case o.IsWon:
		rec.Status = sf.StatusWon
		rec.WonAt = closed
	case o.IsClosed:
		rec.Status = sf.StatusLost
		rec.LostAt = closed
	}
	return rec
}

var timeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	time.RFC3339Nano,
	"2006-01-02",
}

func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
