package ingest

import (
	"sync"
	"time"

	"github.com/sells-group/lead-funnel/internal/funnel"
	"github.com/sells-group/lead-funnel/internal/metrics"
	"github.com/sells-group/lead-funnel/internal/resilience"
)

// ReasonNoIdentifier marks records skipped for lack of a usable email or
// phone.
const ReasonNoIdentifier = funnel.ReasonNoIdentifier

// maxReportedErrors bounds Report.Errors; further failures are only counted.
const maxReportedErrors = 500

// OutcomeKind classifies what happened to one record.
type OutcomeKind string

const (
	OutcomeOK      OutcomeKind = "ok"
	OutcomeIgnored OutcomeKind = "ignored"
	OutcomeError   OutcomeKind = "error"
)

// Outcome is the result of processing a single record.
type Outcome struct {
	Kind   OutcomeKind
	Ref    string
	Reason string
	Err    error
}

// OK reports a processed record.
func OK(ref string) Outcome { return Outcome{Kind: OutcomeOK, Ref: ref} }

// Ignored reports a record skipped for reason.
func Ignored(ref, reason string) Outcome {
	return Outcome{Kind: OutcomeIgnored, Ref: ref, Reason: reason}
}

// Failed reports a record that could not be processed.
func Failed(ref string, err error) Outcome {
	return Outcome{Kind: OutcomeError, Ref: ref, Reason: err.Error(), Err: err}
}

// RecordError is a failed record in the report.
type RecordError struct {
	Ref    string `json:"ref" yaml:"ref"`
	Reason string `json:"reason" yaml:"reason"`
}

// Totals counts the writes a run produced.
type Totals struct {
	LeadsUpserted         int `json:"leadsUpserted" yaml:"leadsUpserted"`
	LeadTagsLinked        int `json:"leadTagsLinked" yaml:"leadTagsLinked"`
	FunnelEntriesUpserted int `json:"funnelEntriesUpserted" yaml:"funnelEntriesUpserted"`
	EventsWritten         int `json:"eventsWritten" yaml:"eventsWritten"`
	TransitionsRecorded   int `json:"transitionsRecorded" yaml:"transitionsRecorded"`
	LeadsMerged           int `json:"leadsMerged" yaml:"leadsMerged"`
}

func (t *Totals) add(o Totals) {
	t.LeadsUpserted += o.LeadsUpserted
	t.LeadTagsLinked += o.LeadTagsLinked
	t.FunnelEntriesUpserted += o.FunnelEntriesUpserted
	t.EventsWritten += o.EventsWritten
	t.TransitionsRecorded += o.TransitionsRecorded
	t.LeadsMerged += o.LeadsMerged
}

// StreamReport describes one paged stream of a run.
type StreamReport struct {
	Name    string `json:"name" yaml:"name"`
	Pages   int    `json:"pages" yaml:"pages"`
	Records int    `json:"records" yaml:"records"`
	// Failures counts pages that could not be fetched or handled.
	Failures  int        `json:"failures" yaml:"failures"`
	Aborted   bool       `json:"aborted" yaml:"aborted"`
	Error     string     `json:"error,omitempty" yaml:"error,omitempty"`
	Watermark *time.Time `json:"watermark,omitempty" yaml:"watermark,omitempty"`
}

// Report aggregates the outcomes of a run. It is safe for concurrent use.
type Report struct {
	mu sync.Mutex

	Source                   string         `json:"source" yaml:"source"`
	Kind                     string         `json:"kind" yaml:"kind"`
	DryRun                   bool           `json:"dryRun,omitempty" yaml:"dryRun,omitempty"`
	Processed                int            `json:"processed" yaml:"processed"`
	OK                       int            `json:"ok" yaml:"ok"`
	IgnoredInvalidIdentifier int            `json:"ignoredInvalidIdentifier" yaml:"ignoredInvalidIdentifier"`
	IgnoredOther             map[string]int `json:"ignoredOther,omitempty" yaml:"ignoredOther,omitempty"`
	Failed                   int            `json:"failed" yaml:"failed"`
	Errors                   []RecordError  `json:"errors" yaml:"errors"`
	Totals                   Totals         `json:"totals" yaml:"totals"`
	Streams                  []StreamReport `json:"streams,omitempty" yaml:"streams,omitempty"`
	StartedAt                time.Time      `json:"startedAt" yaml:"startedAt"`
	CompletedAt              *time.Time     `json:"completedAt,omitempty" yaml:"completedAt,omitempty"`
}

// NewReport starts a report for a run of kind over source.
func NewReport(source, kind string) *Report {
	return &Report{Source: source, Kind: kind, Errors: []RecordError{}, StartedAt: time.Now().UTC()}
}

// Record adds one record outcome.
func (r *Report) Record(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Processed++
	switch o.Kind {
	case OutcomeOK:
		r.OK++
	case OutcomeIgnored:
		if o.Reason == ReasonNoIdentifier {
			r.IgnoredInvalidIdentifier++
			return
		}
		if r.IgnoredOther == nil {
			r.IgnoredOther = make(map[string]int)
		}
		r.IgnoredOther[o.Reason]++
	case OutcomeError:
		r.Failed++
		r.addError(o.Ref, o.Reason)
	}
}

// Fail adds an error that is not tied to a single processed record, such as
// a chunk write or a page fetch.
func (r *Report) Fail(ref string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addError(ref, err.Error())
}

func (r *Report) addError(ref, reason string) {
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, RecordError{Ref: ref, Reason: reason})
	}
}

// AddTotals adds write counters.
func (r *Report) AddTotals(t Totals) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Totals.add(t)
}

// AddStream appends a finished stream.
func (r *Report) AddStream(s StreamReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Streams = append(r.Streams, s)
}

// Finish stamps the completion time.
func (r *Report) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	r.CompletedAt = &now
}

// Aborted reports whether any stream of the run was cut short.
func (r *Report) Aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.Streams {
		if s.Aborted {
			return true
		}
	}
	return false
}

// settle records an outcome in the report and the metrics, and feeds
// successes and failures to the stream breaker.
func settle(rep *Report, br *resilience.Breaker, m *metrics.Ingest, kind, source string, o Outcome) {
	rep.Record(o)
	m.Record(source, kind, string(o.Kind))
	if br == nil {
		return
	}
	switch o.Kind {
	case OutcomeOK:
		br.Record(nil)
	case OutcomeError:
		br.Record(o.Err)
	}
}
