package salesforce

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-funnel/internal/config"
	"github.com/sells-group/lead-funnel/internal/funnel"
	"github.com/sells-group/lead-funnel/internal/ingest"
	"github.com/sells-group/lead-funnel/internal/resilience"
	sf "github.com/sells-group/lead-funnel/pkg/salesforce"
)

// fakeOrg answers SOQL from fixed tables, honoring the Id keyset and LIMIT.
type fakeOrg struct {
	contacts []sf.Contact
	opps     []sf.Opportunity
	stages   []sf.OpportunityStage
	desc     *sf.SObjectDescription
	queries  []string
	failures int
}

func (f *fakeOrg) Query(_ context.Context, soql string, out any) error {
	f.queries = append(f.queries, soql)
	if f.failures > 0 {
		f.failures--
		return errors.New("i/o timeout")
	}
	after, limit := parseKeyset(soql)
	switch dst := out.(type) {
	case *[]sf.Contact:
		*dst = window(f.contacts, func(c sf.Contact) string { return c.ID }, after, limit)
	case *[]sf.Opportunity:
		*dst = window(f.opps, func(o sf.Opportunity) string { return o.ID }, after, limit)
	case *[]sf.OpportunityStage:
		*dst = f.stages
	}
	return nil
}

func (f *fakeOrg) DescribeSObject(_ context.Context, name string) (*sf.SObjectDescription, error) {
	if f.desc == nil {
		return &sf.SObjectDescription{Name: name}, nil
	}
	return f.desc, nil
}

func parseKeyset(soql string) (after string, limit int) {
	if i := strings.Index(soql, "Id > '"); i >= 0 {
		rest := soql[i+len("Id > '"):]
		after = rest[:strings.Index(rest, "'")]
	}
	if i := strings.Index(soql, " LIMIT "); i >= 0 {
		for _, r := range soql[i+len(" LIMIT "):] {
			limit = limit*10 + int(r-'0')
		}
	}
	return after, limit
}

func window[T any](all []T, id func(T) string, after string, limit int) []T {
	var out []T
	for _, v := range all {
		if id(v) > after && (limit == 0 || len(out) < limit) {
			out = append(out, v)
		}
	}
	return out
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestSource_ContactsKeysetPaging(t *testing.T) {
	org := &fakeOrg{contacts: []sf.Contact{
		{ID: "003a", Name: "Ana", Email: "ana@x.com", LeadSource: "Web", CreatedDate: "2026-01-10T12:00:00.000+0000"},
		{ID: "003b", FirstName: "Bruno", LastName: "Lima", MobilePhone: "+55 11 98888-7777"},
		{ID: "003c", Email: "carla@x.com", Phone: "1133334444", MobilePhone: "11977776666"},
	}}
	src := NewSource(org, "", fastRetry())
	assert.Equal(t, "salesforce", src.SourceSystem())

	var got []ingest.ContactRecord
	cfg := ingest.PagerConfigFrom(config.IngestConfig{MaxPages: 10, BreakerThreshold: 3, RetryAttempts: 1})
	_, err := ingest.Paginate(context.Background(), cfg, "contacts", ingest.NewReport("salesforce", ingest.KindContacts),
		func(ctx context.Context, page int) ([]ingest.ContactRecord, bool, error) {
			return src.Contacts(ctx, page, 2)
		},
		func(_ context.Context, p ingest.Page[ingest.ContactRecord]) error {
			got = append(got, p.Items...)
			return nil
		})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "003a", got[0].ExternalID)
	assert.Equal(t, []ingest.Tag{{Key: "Web", Name: "Web", Category: "lead_source"}}, got[0].Tags)
	require.NotNil(t, got[0].CreatedAt)
	assert.Equal(t, time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC), *got[0].CreatedAt)
	assert.Equal(t, "Bruno Lima", got[1].Name)
	assert.Equal(t, []string{"+55 11 98888-7777"}, got[1].Phones)
	assert.Equal(t, []string{"1133334444", "11977776666"}, got[2].Phones)

	assert.Contains(t, org.queries[1], "Id > '003b'")
}

func TestSource_UnknownPageEndsStream(t *testing.T) {
	src := NewSource(&fakeOrg{}, "sf", fastRetry())
	recs, more, err := src.Contacts(context.Background(), 3, 10)
	require.NoError(t, err)
	assert.Nil(t, recs)
	assert.False(t, more)
}

func TestSource_Deals(t *testing.T) {
	org := &fakeOrg{opps: []sf.Opportunity{
		{ID: "006a", Name: "Plano anual", StageName: "Closed Won", IsWon: true, IsClosed: true,
			CloseDate: "2026-03-05", CreatedDate: "2026-02-01T10:00:00.000+0000",
			LastStageChange: "2026-03-05T15:00:00.000+0000", LeadSource: "Web",
			Contact: &sf.OpportunityContact{Email: "ana@x.com", MobilePhone: "11988887777"}},
		{ID: "006b", StageName: "Closed Lost", IsClosed: true, CloseDate: "2026-03-06",
			LastModifiedDate: "2026-03-06T09:00:00.000+0000"},
		{ID: "006c", StageName: "Prospecting"},
	}}
	src := NewSource(org, "sf", fastRetry())

	recs, more, err := src.Deals(context.Background(), sf.StatusWon, 1, 10)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, recs, 3)

	won := recs[0]
	assert.Equal(t, "sf", won.SourceSystem)
	assert.Equal(t, PipelineID, won.OriginID)
	assert.Equal(t, "Closed Won", won.StageID)
	assert.Equal(t, sf.StatusWon, won.Status)
	assert.Equal(t, "ana@x.com", won.Email)
	assert.Equal(t, "11988887777", won.Phone)
	require.NotNil(t, won.WonAt)
	assert.Equal(t, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), *won.WonAt)
	require.NotNil(t, won.StageUpdatedAt)
	assert.Equal(t, 15, won.StageUpdatedAt.Hour())
	assert.Equal(t, "Web", won.Meta["lead_source"])

	lost := recs[1]
	assert.Equal(t, sf.StatusLost, lost.Status)
	assert.NotNil(t, lost.LostAt)
	assert.Nil(t, lost.WonAt)
	require.NotNil(t, lost.StageUpdatedAt)
	assert.Equal(t, 9, lost.StageUpdatedAt.Hour())

	open := recs[2]
	assert.Equal(t, sf.StatusOpen, open.Status)
	assert.Empty(t, open.Email)
	assert.Nil(t, open.CreatedAt)

	assert.Contains(t, org.queries[0], "IsWon = true")
}

func TestSource_Catalog(t *testing.T) {
	org := &fakeOrg{
		failures: 1,
		stages: []sf.OpportunityStage{
			{MasterLabel: "Prospecting", SortOrder: 1},
			{MasterLabel: "Closed Won", SortOrder: 2, IsClosed: true, IsWon: true},
		},
		desc: &sf.SObjectDescription{Fields: []sf.SObjectField{{
			Name:           "LeadSource",
			PicklistValues: []sf.PicklistValue{{Value: "Web", Label: "Site", Active: true}, {Value: "Old"}},
		}}},
	}
	src := NewSource(org, "sf", fastRetry())
	ctx := context.Background()

	origins, err := src.Origins(ctx)
	require.NoError(t, err)
	assert.Equal(t, []funnel.Origin{{ID: PipelineID, Name: "Opportunities", Stages: []funnel.StageDef{
		{ID: "Prospecting", Name: "Prospecting", Position: 1},
		{ID: "Closed Won", Name: "Closed Won", Position: 2},
	}}}, origins)
	assert.Len(t, org.queries, 2)

	tags, err := src.Tags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ingest.Tag{{Key: "Web", Name: "Site", Category: "lead_source"}}, tags)
}
