// Package survey stores questionnaire responses linked to leads: a form
// schema with ordered questions, one submission per respondent and typed
// answers.
package survey

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DataType is the inferred type of a question.
type DataType string

// Question data types.
const (
	TypeText   DataType = "text"
	TypeNumber DataType = "number"
	TypeBool   DataType = "bool"
)

// Question is one form question. Key is unique within the form.
type Question struct {
	Key      string
	Label    string
	Position int
	DataType DataType
}

// Form is a questionnaire published by a source. SourceRef identifies it
// within the source, e.g. "file:<hash>" for an imported spreadsheet.
type Form struct {
	SourceSystem string
	SourceRef    string
	Name         string
	Questions    []Question
}

// AddQuestion appends a question for label and returns its key. Labels that
// slug to an already used key get a numeric suffix.
func (f *Form) AddQuestion(label string, dt DataType) string {
	base := QuestionKey(label)
	if base == "" {
		base = "question"
	}
	key := base
	for n := 2; f.hasKey(key); n++ {
		key = base + "-" + strconv.Itoa(n)
	}
	if dt == "" {
		dt = TypeText
	}
	f.Questions = append(f.Questions, Question{
		Key:      key,
		Label:    strings.TrimSpace(label),
		Position: len(f.Questions) + 1,
		DataType: dt,
	})
	return key
}

func (f *Form) hasKey(key string) bool {
	for _, q := range f.Questions {
		if q.Key == key {
			return true
		}
	}
	return false
}

// Schema is a persisted form: its id and question key → question id.
type Schema struct {
	ID        string
	Name      string
	Questions map[string]string
}

// Answer is a typed answer. Text always holds the trimmed raw value; Number
// or Bool is set when the value parses as one.
type Answer struct {
	QuestionKey string
	Text        *string
	Number      *float64
	Bool        *bool
}

// Submission is one respondent's answers. DedupeKey is unique per form.
type Submission struct {
	LeadID      string
	SubmittedAt *time.Time
	SourceRef   string
	DedupeKey   string
	Raw         map[string]any
	Answers     []Answer
}

// Saved counts rows written by SaveSubmissions.
type Saved struct {
	Submissions int64
	Answers     int64
}

// Store persists forms and submissions. Implementations: PostgresStore,
// SQLiteStore.
type Store interface {
	// UpsertForm creates the form or refreshes its name and questions.
	UpsertForm(ctx context.Context, f Form) (*Schema, error)
	// SaveSubmissions upserts submissions by dedupe key together with their
	// answers. Answers for unknown question keys are skipped.
	SaveSubmissions(ctx context.Context, s *Schema, subs []Submission) (Saved, error)
}

var stripMarks = runes.Remove(runes.In(unicode.Mn))

// QuestionKey slugs a question label: accents removed, lowercase, runs of
// anything but letters and digits collapsed to "-".
func QuestionKey(label string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, stripMarks, norm.NFC), label)
	if err != nil {
		folded = label
	}
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(folded)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// ParseBool recognizes the yes/no spellings found in form answers.
func ParseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "sim", "yes", "1":
		return true, true
	case "false", "não", "nao", "no", "0":
		return false, true
	}
	return false, false
}

// ParseNumber parses a finite decimal number.
func ParseNumber(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// ParseAnswer types a raw value. It returns false for blank values.
func ParseAnswer(key, raw string) (Answer, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Answer{}, false
	}
	a := Answer{QuestionKey: key, Text: &text}
	if b, ok := ParseBool(text); ok {
		a.Bool = &b
	} else if n, ok := ParseNumber(text); ok {
		a.Number = &n
	}
	return a, true
}

// InferType picks the narrowest type all non-blank values fit: bool, then
// number, then text.
func InferType(values []string) DataType {
	allBool, allNumber, seen := true, true, false
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		seen = true
		if _, ok := ParseBool(v); !ok {
			allBool = false
		}
		if _, ok := ParseNumber(v); !ok {
			allNumber = false
		}
	}
	switch {
	case !seen:
		return TypeText
	case allBool:
		return TypeBool
	case allNumber:
		return TypeNumber
	default:
		return TypeText
	}
}

// CountAnswers returns the number of non-blank answers across subs.
func CountAnswers(subs []Submission) int {
	n := 0
	for _, s := range subs {
		n += len(s.Answers)
	}
	return n
}
