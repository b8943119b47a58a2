package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/lead"
	"github.com/sells-group/lead-funnel/internal/source/spreadsheet"
	"github.com/sells-group/lead-funnel/internal/survey"
)

// SurveyResponse is one respondent of a survey feed. Values maps the
// feed's column names to answers, identifier columns included.
type SurveyResponse struct {
	ID          string
	SubmittedAt *time.Time
	Values      map[string]string
}

// SurveyFeed is a questionnaire published outside spreadsheets, such as a
// Notion database.
type SurveyFeed struct {
	Ref       string
	Name      string
	Columns   []string
	Responses []SurveyResponse
}

// SurveySource loads a survey feed. since, when set, limits the feed to
// responses changed after it.
type SurveySource interface {
	SourceSystem() string
	Survey(ctx context.Context, since *time.Time) (*SurveyFeed, error)
}

// SurveyReport is the outcome of one survey feed sync.
type SurveyReport struct {
	Form     string              `json:"form" yaml:"form"`
	Inferred spreadsheet.Columns `json:"inferred" yaml:"inferred"`
	Survey   SurveyInfo          `json:"survey" yaml:"survey"`
	Run      *Report             `json:"run" yaml:"run"`
}

// SyncSurvey imports a survey feed: respondents resolve to leads by their
// email or phone column, the remaining columns become the form's questions.
// Only responses changed since the last successful survey run are loaded.
func (r *Runner) SyncSurvey(ctx context.Context, src SurveySource) (*SurveyReport, error) {
	source := src.SourceSystem()
	var since *time.Time
	if r.runs != nil {
		last, err := r.runs.LastSuccess(ctx, source, KindSurvey)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: last survey run")
		}
		since = last
	}

	feed, err := src.Survey(ctx, since)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: load survey")
	}
	out := &SurveyReport{Form: feed.Ref}

	sheet := &spreadsheet.Sheet{Headers: feed.Columns}
	for _, resp := range feed.Responses {
		sheet.Rows = append(sheet.Rows, resp.Values)
	}
	if len(sheet.Rows) == 0 {
		rep, err := r.run(ctx, source, KindSurvey, func(context.Context, *Report) error { return nil })
		out.Run = rep
		return out, err
	}
	cols, err := spreadsheet.Infer(sheet)
	if err != nil {
		return nil, err
	}
	out.Inferred = cols

	records := make([]ContactRecord, len(feed.Responses))
	for i, resp := range feed.Responses {
		records[i] = ContactRecord{
			SourceSystem: source,
			ExternalID:   resp.ID,
			SourceRef:    "response:" + resp.ID,
			Emails:       nonEmpty(resp.Values[cols.Email]),
			Phones:       nonEmpty(resp.Values[cols.Phone]),
			Name:         resp.Values[cols.Name],
			CreatedAt:    resp.SubmittedAt,
			UpdatedAt:    resp.SubmittedAt,
			Meta:         map[string]any{"form": feed.Ref},
		}
	}

	rep, err := r.run(ctx, source, KindSurvey, func(ctx context.Context, rep *Report) error {
		var mu sync.Mutex
		owners := make(map[string]string, len(records)) // response id → lead id
		ci := NewContactIngester(lead.NewResolver(r.leads), r.leads, ContactOptions{
			ChunkSize: r.cfg.ContactChunkSize,
			Retry:     RetryConfigFrom(r.cfg),
			DryRun:    r.dryRun,
			Metrics:   r.metrics,
			OnResolved: func(c ValidContact, leadID string) {
				mu.Lock()
				owners[c.ExternalID] = leadID
				mu.Unlock()
			},
		})
		if err := ci.Ingest(ctx, records, rep, nil, nil); err != nil {
			return err
		}

		labels := cols.Questions(feed.Columns)
		if len(labels) == 0 {
			return nil
		}
		out.Survey = SurveyInfo{Detected: true, Questions: len(labels)}
		form, keys := surveyForm(source, feed.Ref, feed.Name, labels, sheet.Rows)

		var subs []survey.Submission
		for _, resp := range feed.Responses {
			leadID, ok := owners[resp.ID]
			if !ok {
				continue
			}
			subs = append(subs, submission(leadID, "response:"+resp.ID, resp.ID, resp.SubmittedAt, resp.Values, labels, keys))
		}
		n, err := r.storeSurvey(ctx, source, feed.Ref, form, subs, rep)
		out.Survey.Responses = n
		return err
	})
	out.Run = rep
	return out, err
}

// surveyForm builds a form whose questions are labels, typed from the
// answers found in rows. It returns the form and label → question key.
func surveyForm(source, ref, name string, labels []string, rows []map[string]string) (survey.Form, map[string]string) {
	form := survey.Form{SourceSystem: source, SourceRef: ref, Name: name}
	keys := make(map[string]string, len(labels))
	for _, label := range labels {
		values := make([]string, len(rows))
		for i, row := range rows {
			values[i] = row[label]
		}
		keys[label] = form.AddQuestion(label, survey.InferType(values))
	}
	return form, keys
}

func submission(leadID, sourceRef, dedupeKey string, at *time.Time, values map[string]string, labels []string, keys map[string]string) survey.Submission {
	sub := survey.Submission{
		LeadID:      leadID,
		SubmittedAt: at,
		SourceRef:   sourceRef,
		DedupeKey:   dedupeKey,
		Raw:         make(map[string]any, len(values)),
	}
	for k, v := range values {
		sub.Raw[k] = v
	}
	for _, label := range labels {
		if a, ok := survey.ParseAnswer(keys[label], values[label]); ok {
			sub.Answers = append(sub.Answers, a)
		}
	}
	return sub
}

// storeSurvey writes the form and its submissions and emits one
// survey.imported event per lead. It returns the number of answers stored;
// dry runs only count them.
func (r *Runner) storeSurvey(ctx context.Context, source, formRef string, form survey.Form, subs []survey.Submission, rep *Report) (int, error) {
	if r.dryRun {
		return survey.CountAnswers(subs), nil
	}
	if r.surveys == nil || len(subs) == 0 {
		return 0, nil
	}

	schema, err := r.surveys.UpsertForm(ctx, form)
	if err != nil {
		return 0, eris.Wrap(err, "ingest: survey form")
	}
	responses := 0
	chunk := spreadsheetChunk(r.cfg.SpreadsheetChunkSize)
	for start := 0; start < len(subs); start += chunk {
		saved, err := r.surveys.SaveSubmissions(ctx, schema, subs[start:min(start+chunk, len(subs))])
		if err != nil {
			return responses, eris.Wrap(err, "ingest: survey submissions")
		}
		responses += int(saved.Answers)
	}

	seen := make(map[string]bool, len(subs))
	var leads []string
	for _, s := range subs {
		if !seen[s.LeadID] {
			seen[s.LeadID] = true
			leads = append(leads, s.LeadID)
		}
	}
	sort.Strings(leads)

	now := time.Now().UTC()
	var batch lead.Batch
	for _, id := range leads {
		batch.Events = append(batch.Events, lead.Event{
			LeadID:       id,
			EventType:    lead.EventSurveyImported,
			SourceSystem: source,
			OccurredAt:   now,
			IngestedAt:   now,
			DedupeKey:    SurveyDedupeKey(source, formRef, id),
			Payload: map[string]any{
				"form_schema_id":  schema.ID,
				"form_name":       schema.Name,
				"questions_count": len(form.Questions),
			},
		})
	}
	written, err := r.leads.WriteBatch(ctx, batch)
	if err != nil {
		return responses, eris.Wrap(err, "ingest: survey events")
	}
	rep.AddTotals(Totals{EventsWritten: int(written.Events)})

	r.log.Info("survey stored",
		zap.String("source", source),
		zap.String("form", schema.ID),
		zap.Int("questions", len(form.Questions)),
		zap.Int("submissions", len(subs)),
		zap.Int("responses", responses),
	)
	return responses, nil
}

// SurveyDedupeKey is the idempotency key of a survey.imported event.
func SurveyDedupeKey(source, formRef, leadID string) string {
	return source + ":form:" + formRef + ":" + leadID
}
