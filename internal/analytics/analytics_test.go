package analytics

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-funnel/internal/funnel"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// builder assembles snapshots for a single funnel.
type builder struct {
	snap funnel.Snapshot
	seq  int
}

func newBuilder(source, funnelID, name string, stages ...string) *builder {
	b := &builder{}
	b.snap.Funnels = []funnel.Funnel{{ID: funnelID, Key: funnelID, Name: name, SourceSystem: source, CreatedAt: t0}}
	for i, st := range stages {
		b.snap.Stages = append(b.snap.Stages, funnel.Stage{ID: st, FunnelID: funnelID, Key: st, Name: st, Position: i + 1})
	}
	return b
}

func (b *builder) entry(funnelID, leadID, stage string, status funnel.Status) string {
	b.seq++
	id := fmt.Sprintf("e%d", b.seq)
	b.snap.Entries = append(b.snap.Entries, funnel.Entry{
		ID: id, LeadID: leadID, FunnelID: funnelID, CurrentStageID: stage, Status: status,
		FirstSeenAt: t0, LastSeenAt: t0.Add(time.Duration(b.seq) * time.Hour),
	})
	return id
}

func (b *builder) move(entryID, from, to string, at time.Time) {
	b.snap.Transitions = append(b.snap.Transitions, funnel.Transition{
		ID: fmt.Sprintf("t%d", len(b.snap.Transitions)+1), EntryID: entryID,
		FromStageID: from, ToStageID: to, OccurredAt: at,
	})
}

func stageByID(t *testing.T, fa FunnelAnalytics, id string) StageAnalytics {
	t.Helper()
	for _, st := range fa.Stages {
		if st.StageID == id {
			return st
		}
	}
	t.Fatalf("stage %s missing", id)
	return StageAnalytics{}
}

func TestAnalyze_LossRate(t *testing.T) {
	b := newBuilder("crm", "f1", "Inbound", "S")
	for i := 0; i < 10; i++ {
		status := funnel.StatusOpen
		if i < 3 {
			status = funnel.StatusLost
		}
		id := b.entry("f1", fmt.Sprintf("l%d", i), "S", status)
		b.move(id, "", "S", t0)
	}

	rep := Analyze(&b.snap)
	require.Len(t, rep.Funnels, 1)
	fa := rep.Funnels[0]
	st := stageByID(t, fa, "S")

	assert.Equal(t, 10, st.TotalEntries)
	assert.Equal(t, 10, st.CurrentCount)
	assert.Equal(t, 30.0, st.LossRate)
	assert.Equal(t, 0.0, st.WinRate)
	assert.Equal(t, StatusBreakdown{Open: 7, Lost: 3}, st.StatusBreakdown)
	assert.Equal(t, 10, fa.TotalLeads)
	assert.Equal(t, 7, fa.ActiveDeals)
	assert.Equal(t, 3, fa.LostDeals)
	assert.Nil(t, st.ConversionToNext)
}

func TestAnalyze_AvgTimeEqualsTransitionDelta(t *testing.T) {
	b := newBuilder("crm", "f1", "Inbound", "A", "B")
	e := b.entry("f1", "l1", "B", funnel.StatusOpen)
	b.move(e, "", "A", t0)
	b.move(e, "A", "B", t0.Add(50*time.Hour))

	fa := Analyze(&b.snap).Funnels[0]
	a := stageByID(t, fa, "A")
	require.NotNil(t, a.AvgTimeInStageHours)
	assert.Equal(t, 50.0, *a.AvgTimeInStageHours)
	assert.Equal(t, 2.08, *a.AvgTimeInStageDays)
	require.NotNil(t, a.ConversionToNext)
	assert.Equal(t, 100.0, *a.ConversionToNext)
	assert.Equal(t, 1, a.TotalEntries)
	assert.Equal(t, 0, a.CurrentCount)

	last := stageByID(t, fa, "B")
	assert.Nil(t, last.AvgTimeInStageHours)
	assert.Nil(t, last.ConversionToNext)
	assert.Equal(t, 1, last.CurrentCount)
}

func TestAnalyze_AvgTimePairsEachVisit(t *testing.T) {
	b := newBuilder("crm", "f1", "Inbound", "A", "B", "C")
	e := b.entry("f1", "l1", "C", funnel.StatusOpen)
	b.move(e, "", "A", t0)
	b.move(e, "A", "B", t0.Add(10*time.Hour))
	b.move(e, "B", "A", t0.Add(20*time.Hour))
	b.move(e, "A", "C", t0.Add(50*time.Hour))

	a := stageByID(t, Analyze(&b.snap).Funnels[0], "A")
	require.NotNil(t, a.AvgTimeInStageHours)
	// visits of 10h and 30h
	assert.Equal(t, 20.0, *a.AvgTimeInStageHours)
	assert.Equal(t, 1, a.TotalEntries)
	require.NotNil(t, a.ConversionToNext)
	assert.Equal(t, 50.0, *a.ConversionToNext)
}

func TestAnalyze_ExitBeforeEntryIsDiscarded(t *testing.T) {
	b := newBuilder("crm", "f1", "Inbound", "A", "B")
	e := b.entry("f1", "l1", "B", funnel.StatusOpen)
	b.move(e, "A", "B", t0)
	b.move(e, "", "A", t0.Add(time.Hour))

	a := stageByID(t, Analyze(&b.snap).Funnels[0], "A")
	assert.Nil(t, a.AvgTimeInStageHours)
}

func TestAnalyze_TotalEntriesFallsBackToCurrentCount(t *testing.T) {
	b := newBuilder("crm", "f1", "Legacy", "S")
	b.entry("f1", "l1", "S", funnel.StatusWon)
	b.entry("f1", "l2", "S", funnel.StatusOpen)

	fa := Analyze(&b.snap).Funnels[0]
	st := stageByID(t, fa, "S")
	assert.Equal(t, 2, st.TotalEntries)
	assert.Equal(t, 50.0, st.WinRate)
	assert.Equal(t, 50.0, fa.OverallConversionRate)
}

func TestAnalyze_TotalLeadsCountsDistinctLeads(t *testing.T) {
	b := newBuilder("crm", "f1", "Inbound", "S")
	b.entry("f1", "l1", "S", funnel.StatusWon)
	b.entry("f1", "l1", "S", funnel.StatusOpen)
	b.entry("f1", "l2", "S", funnel.StatusOpen)

	rep := Analyze(&b.snap)
	fa := rep.Funnels[0]
	assert.Equal(t, 2, fa.TotalLeads)
	assert.Equal(t, 50.0, fa.OverallConversionRate)
	require.NotNil(t, fa.LastActivity)
	assert.Equal(t, t0.Add(3*time.Hour), *fa.LastActivity)
	assert.Equal(t, GlobalStats{TotalLeads: 2, ActiveDeals: 2, WonDeals: 1, AvgConversionRate: 50}, rep.GlobalStats)
}

func TestAnalyze_EmptyFunnelAndNilSnapshot(t *testing.T) {
	b := newBuilder("crm", "f1", "Empty", "S")
	rep := Analyze(&b.snap)
	require.Len(t, rep.Funnels, 1)
	assert.Empty(t, rep.Funnels[0].Stages)
	assert.Nil(t, rep.Funnels[0].LastActivity)
	assert.Equal(t, 0.0, rep.GlobalStats.AvgConversionRate)

	rep = Analyze(nil)
	assert.Empty(t, rep.Funnels)
	assert.Equal(t, 0, rep.TotalFunnels)
}

func TestHealthScore(t *testing.T) {
	tests := []struct {
		name       string
		conversion float64
		avg        float64
		loss       float64
		want       int
	}{
		{"healthy", 20, 0, 0, 100},
		{"half conversion", 10, 0, 0, 50},
		{"no conversion", 0, 0, 0, 0},
		{"capped penalties", 30, 500, 100, 50},
		{"rounded", 25, 15, 12, 96},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HealthScore(tt.conversion, tt.avg, tt.loss))
		})
	}
}
