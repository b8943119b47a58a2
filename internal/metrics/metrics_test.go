package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestIngest_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewIngest(reg)

	m.Record("crm", "contacts", "ok")
	m.Record("crm", "contacts", "ok")
	m.Record("crm", "contacts", "ignored")
	m.Stream("crm", "deals:OPEN", 4, true)
	m.Run("crm", "contacts", "complete", 3*time.Second)
	m.Alerts(map[string]int{"critical": 2, "warning": 1})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.records.WithLabelValues("crm", "contacts", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.records.WithLabelValues("crm", "contacts", "ignored")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.pages.WithLabelValues("crm", "deals:OPEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.aborts.WithLabelValues("crm", "deals:OPEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("crm", "contacts", "complete")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.alerts.WithLabelValues("critical")))
}

func TestIngest_NilIsNoop(t *testing.T) {
	var m *Ingest
	assert.NotPanics(t, func() {
		m.Record("crm", "contacts", "ok")
		m.Stream("crm", "contacts", 1, false)
		m.Run("crm", "contacts", "failed", time.Second)
		m.Alerts(nil)
	})
}
