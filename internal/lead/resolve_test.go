package lead

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/db"
	"github.com/sells-group/lead-funnel/internal/identity"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	conn, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "leads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck
	return NewSQLiteStore(conn)
}

func ids(t *testing.T, emails, phones []string) []identity.Identifier {
	t.Helper()
	out := identity.Collect(emails, phones)
	require.NotEmpty(t, out)
	return out
}

func identifierKeys(d *Detail) []string {
	keys := make([]string, 0, len(d.Identifiers))
	for _, i := range d.Identifiers {
		keys = append(keys, string(i.Type)+":"+i.ValueNormalized)
	}
	return keys
}

func TestResolve_NoIdentifiers(t *testing.T) {
	r := NewResolver(newTestStore(t))
	_, err := r.Resolve(context.Background(), nil, Attributes{Name: "Ana"})
	assert.ErrorIs(t, err, ErrNoIdentifiers)
}

func TestResolve_CreatesLeadWithPrimaryIdentifier(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	r := NewResolver(st)

	res, err := r.Resolve(ctx, ids(t, []string{" Ana@Example.com "}, []string{"(11) 99999-0001"}), Attributes{Name: "Ana  Souza"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Empty(t, res.Merged)

	d, err := st.GetDetail(ctx, res.LeadID)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "Ana Souza", d.FullName)
	require.Len(t, d.Identifiers, 2)
	assert.True(t, d.Identifiers[0].IsPrimary)
	assert.Equal(t, identity.KindEmail, d.Identifiers[0].Type)
	assert.Equal(t, "ana@example.com", d.Identifiers[0].ValueNormalized)
	assert.Equal(t, "Ana@Example.com", d.Identifiers[0].Value)
	assert.False(t, d.Identifiers[1].IsPrimary)
}

func TestResolve_MatchImprovesName(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	r := NewResolver(st)

	first, err := r.Resolve(ctx, ids(t, []string{"ana@example.com"}, nil), Attributes{Name: "Ana"})
	require.NoError(t, err)

	second, err := r.Resolve(ctx, ids(t, []string{"ANA@example.com"}, nil), Attributes{Name: "Ana Paula Silva"})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.LeadID, second.LeadID)

	l, err := st.GetLead(ctx, first.LeadID)
	require.NoError(t, err)
	assert.Equal(t, "Ana Paula Silva", l.FullName)
}

func TestResolve_MatchWidensActivityAndAttachesNewIdentifier(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	r := NewResolver(st)

	jan := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	mar := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	dec := time.Date(2025, 12, 1, 8, 0, 0, 0, time.UTC)

	first, err := r.Resolve(ctx, ids(t, []string{"bia@example.com"}, nil), Attributes{
		FirstContactAt: &jan, LastActivityAt: &jan,
	})
	require.NoError(t, err)

	_, err = r.Resolve(ctx, ids(t, []string{"bia@example.com"}, []string{"11988887777"}), Attributes{
		FirstContactAt: &dec, LastActivityAt: &mar,
	})
	require.NoError(t, err)

	d, err := st.GetDetail(ctx, first.LeadID)
	require.NoError(t, err)
	require.NotNil(t, d.FirstContactAt)
	require.NotNil(t, d.LastActivityAt)
	assert.True(t, d.FirstContactAt.Equal(dec))
	assert.True(t, d.LastActivityAt.Equal(mar))
	assert.ElementsMatch(t, []string{"email:bia@example.com", "phone:11988887777"}, identifierKeys(d))
}

func TestResolve_MergeScenario(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	r := NewResolver(st)

	one, err := r.Resolve(ctx, ids(t, []string{"one@example.com"}, nil), Attributes{Name: "Lucas"})
	require.NoError(t, err)
	two, err := r.Resolve(ctx, ids(t, nil, []string{"+55 11 91234-5678"}), Attributes{Name: "Lucas Previato"})
	require.NoError(t, err)
	three, err := r.Resolve(ctx, ids(t, []string{"three@example.com"}, nil), Attributes{Name: "Carla"})
	require.NoError(t, err)
	assert.True(t, one.Created && two.Created && three.Created)

	n, err := st.CountLeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Provenance on the lead that will be absorbed must follow it.
	seen := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err = st.WriteBatch(ctx, Batch{
		Sources: []SourceLink{{LeadID: two.LeadID, SourceSystem: "crm", SourceRef: "c-2", SeenAt: seen}},
		Tags:    []TagLink{{LeadID: two.LeadID, TagKey: "crm:vip", TagName: "VIP", SourceSystem: "crm", SeenAt: seen}},
	})
	require.NoError(t, err)

	fourth, err := r.Resolve(ctx, ids(t, []string{"one@example.com"}, []string{"5511912345678"}), Attributes{})
	require.NoError(t, err)
	assert.False(t, fourth.Created)
	assert.Equal(t, one.LeadID, fourth.LeadID)
	assert.Equal(t, []string{two.LeadID}, fourth.Merged)

	n, err = st.CountLeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	gone, err := st.GetLead(ctx, two.LeadID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	d, err := st.GetDetail(ctx, one.LeadID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"email:one@example.com", "phone:5511912345678"}, identifierKeys(d))
	assert.Equal(t, "Lucas Previato", d.FullName)
	require.Len(t, d.Sources, 1)
	assert.Equal(t, "c-2", d.Sources[0].SourceRef)
	require.Len(t, d.Tags, 1)
	assert.Equal(t, "crm:vip", d.Tags[0].Key)

	var merged int
	for _, e := range d.Events {
		if e.EventType == EventLeadMerged {
			merged++
		}
	}
	assert.Equal(t, 1, merged)
}

func TestResolve_MergeCollapsesSharedTags(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	r := NewResolver(st)

	a, err := r.Resolve(ctx, ids(t, []string{"a@example.com"}, nil), Attributes{})
	require.NoError(t, err)
	b, err := r.Resolve(ctx, ids(t, []string{"b@example.com"}, nil), Attributes{})
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = st.WriteBatch(ctx, Batch{Tags: []TagLink{
		{LeadID: a.LeadID, TagKey: "crm:hot", TagName: "Hot", SourceSystem: "crm", SeenAt: now},
		{LeadID: b.LeadID, TagKey: "crm:hot", TagName: "Hot", SourceSystem: "crm", SeenAt: now},
	}})
	require.NoError(t, err)

	res, err := r.Resolve(ctx, ids(t, []string{"a@example.com", "b@example.com"}, nil), Attributes{})
	require.NoError(t, err)
	require.Len(t, res.Merged, 1)

	d, err := st.GetDetail(ctx, a.LeadID)
	require.NoError(t, err)
	assert.Len(t, d.Tags, 1)
	assert.Len(t, d.Identifiers, 2)
}

func TestResolve_ReplayIsStable(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	r := NewResolver(st)

	in := ids(t, []string{"same@example.com"}, []string{"11977776666"})
	first, err := r.Resolve(ctx, in, Attributes{Name: "Joana Dias"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		res, err := r.Resolve(ctx, in, Attributes{Name: "Joana Dias"})
		require.NoError(t, err)
		assert.Equal(t, first.LeadID, res.LeadID)
		assert.False(t, res.Created)
	}
	n, err := st.CountLeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWriteBatch_EventsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	r := NewResolver(st)

	res, err := r.Resolve(ctx, ids(t, []string{"ev@example.com"}, nil), Attributes{})
	require.NoError(t, err)

	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	b := Batch{
		Sources: []SourceLink{{LeadID: res.LeadID, SourceSystem: "crm", SourceRef: "42", SeenAt: at}},
		Events: []Event{{
			LeadID: res.LeadID, EventType: EventContactImported, SourceSystem: "crm",
			OccurredAt: at, DedupeKey: "crm:contact:42",
		}},
	}
	first, err := st.WriteBatch(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Events)
	assert.Equal(t, int64(1), first.Sources)

	second, err := st.WriteBatch(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int64(0), second.Events)

	d, err := st.GetDetail(ctx, res.LeadID)
	require.NoError(t, err)
	assert.Len(t, d.Events, 1)
	assert.Len(t, d.Sources, 1)
}

func TestGetDetail_Missing(t *testing.T) {
	d, err := newTestStore(t).GetDetail(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestBatch_Remap(t *testing.T) {
	b := Batch{
		Sources: []SourceLink{{LeadID: "a"}},
		Tags:    []TagLink{{LeadID: "b"}},
		Events:  []Event{{LeadID: "c"}},
	}
	b.Remap(map[string]string{"a": "b", "b": "c"})
	assert.Equal(t, "c", b.Sources[0].LeadID)
	assert.Equal(t, "c", b.Tags[0].LeadID)
	assert.Equal(t, "c", b.Events[0].LeadID)
}
