package ingest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-funnel/internal/lead"
	"github.com/sells-group/lead-funnel/internal/source/spreadsheet"
	"github.com/sells-group/lead-funnel/internal/survey"
)

// SpreadsheetOptions tune a spreadsheet import.
type SpreadsheetOptions struct {
	// SourceSystem defaults to "spreadsheet".
	SourceSystem string
	// TagKey overrides the tag derived from the file name.
	TagKey string
}

// FileInfo describes an imported file.
type FileInfo struct {
	Name   string `json:"name" yaml:"name"`
	TagKey string `json:"tagKey" yaml:"tagKey"`
	Hash   string `json:"hash" yaml:"hash"`
	Rows   int    `json:"rows" yaml:"rows"`
}

// SurveyInfo summarizes the questionnaire found in a file.
type SurveyInfo struct {
	Detected  bool `json:"detected" yaml:"detected"`
	Questions int  `json:"questions" yaml:"questions"`
	Responses int  `json:"responses" yaml:"responses"`
}

// SpreadsheetReport is the outcome of one file import.
type SpreadsheetReport struct {
	File     FileInfo            `json:"file" yaml:"file"`
	Inferred spreadsheet.Columns `json:"inferred" yaml:"inferred"`
	Survey   SurveyInfo          `json:"survey" yaml:"survey"`
	Run      *Report             `json:"run" yaml:"run"`
}

// WithSurveys sets the store questionnaires are written to. Without one,
// survey columns are detected and counted but not stored.
func (r *Runner) WithSurveys(store survey.Store) *Runner {
	r.surveys = store
	return r
}

// spreadsheetMapper maps sheet rows of one file into contact records.
type spreadsheetMapper struct {
	hash   string
	tagKey string
}

func (m spreadsheetMapper) ExternalID(row SpreadsheetRow) string {
	return rowRef(m.hash, row.Row)
}

func (m spreadsheetMapper) PickEmail(row SpreadsheetRow) []string { return nonEmpty(row.Email) }
func (m spreadsheetMapper) PickPhone(row SpreadsheetRow) []string { return nonEmpty(row.Phone) }
func (m spreadsheetMapper) PickName(row SpreadsheetRow) string    { return row.Name }

func (m spreadsheetMapper) PickTags(SpreadsheetRow) []Tag {
	return []Tag{{Key: m.tagKey, Name: m.tagKey, Category: "import"}}
}

func (m spreadsheetMapper) Timestamps(SpreadsheetRow) (created, updated *time.Time) { return nil, nil }

func nonEmpty(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}

func rowRef(hash string, row int) string {
	return hash + ":" + strconv.Itoa(row)
}

// ImportSpreadsheet imports a CSV or XLSX file: one lead per row keyed by
// its email or phone, tagged with the file's tag key. Columns that are not
// identifiers are stored as a questionnaire when a survey store is set.
// Parsing and column inference failures reject the whole file before any
// write.
func (r *Runner) ImportSpreadsheet(ctx context.Context, f *spreadsheet.File, opts SpreadsheetOptions) (*SpreadsheetReport, error) {
	source := opts.SourceSystem
	if source == "" {
		source = "spreadsheet"
	}
	tagKey := opts.TagKey
	if tagKey == "" {
		tagKey = spreadsheet.TagKey(f.Name)
	}
	if TagKey(tagKey) == "" {
		return nil, eris.Errorf("ingest: no tag key for file %q", f.Name)
	}

	sheet, err := spreadsheet.Parse(f.Name, f.Data)
	if err != nil {
		return nil, err
	}
	cols, err := spreadsheet.Infer(sheet)
	if err != nil {
		return nil, err
	}

	out := &SpreadsheetReport{
		File:     FileInfo{Name: f.Name, TagKey: tagKey, Hash: spreadsheet.Hash(f.Data), Rows: len(sheet.Rows)},
		Inferred: cols,
	}
	m := spreadsheetMapper{hash: out.File.Hash, tagKey: tagKey}

	rows := make([]SpreadsheetRow, len(sheet.Rows))
	records := make([]ContactRecord, len(sheet.Rows))
	for i, values := range sheet.Rows {
		rows[i] = SpreadsheetRow{
			Row:    sheet.Lines[i],
			Email:  values[cols.Email],
			Name:   values[cols.Name],
			Phone:  values[cols.Phone],
			Values: values,
		}
		rec := MapContact(source, m, rows[i], map[string]any{"file": f.Name, "row": rows[i].Row})
		rec.SourceRef = rec.ExternalID
		records[i] = rec
	}

	rep, err := r.run(ctx, source, KindSpreadsheet, func(ctx context.Context, rep *Report) error {
		var mu sync.Mutex
		owners := make(map[string]string, len(records)) // row ref → lead id
		ci := NewContactIngester(lead.NewResolver(r.leads), r.leads, ContactOptions{
			ChunkSize: spreadsheetChunk(r.cfg.SpreadsheetChunkSize),
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

		info, err := r.importSurvey(ctx, source, out, sheet.Headers, rows, owners, rep)
		out.Survey = info
		return err
	})
	out.Run = rep
	return out, err
}

func spreadsheetChunk(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

// importSurvey stores the non-identifier columns of a file as a form with
// one submission per imported row.
func (r *Runner) importSurvey(ctx context.Context, source string, out *SpreadsheetReport, headers []string, rows []SpreadsheetRow, owners map[string]string, rep *Report) (SurveyInfo, error) {
	labels := out.Inferred.Questions(headers)
	if len(labels) == 0 {
		return SurveyInfo{}, nil
	}
	info := SurveyInfo{Detected: true, Questions: len(labels)}
	hash := out.File.Hash

	values := make([]map[string]string, len(rows))
	for i, row := range rows {
		values[i] = row.Values
	}
	form, keys := surveyForm(source, "file:"+hash, out.File.TagKey, labels, values)

	now := time.Now().UTC()
	var subs []survey.Submission
	for _, row := range rows {
		ref := rowRef(hash, row.Row)
		leadID, ok := owners[ref]
		if !ok {
			continue
		}
		subs = append(subs, submission(leadID, "row:"+strconv.Itoa(row.Row), ref, &now, row.Values, labels, keys))
	}

	n, err := r.storeSurvey(ctx, source, hash, form, subs, rep)
	info.Responses = n
	return info, err
}
