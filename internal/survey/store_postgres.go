package survey

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-funnel/internal/db"
)

// PostgresStore implements Store using pgx.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var answersWrite = db.BulkWrite{
	Table:        "form_answers",
	Columns:      []string{"form_submission_id", "question_id", "value_text", "value_number", "value_bool"},
	ConflictKeys: []string{"form_submission_id", "question_id"},
	UpdateCols:   []string{"value_text", "value_number", "value_bool"},
}

// UpsertForm creates the form or refreshes its name and questions.
func (s *PostgresStore) UpsertForm(ctx context.Context, f Form) (*Schema, error) {
	schema := &Schema{Name: f.Name, Questions: make(map[string]string, len(f.Questions))}
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO form_schemas (source_system, source_ref, name) VALUES ($1, $2, $3)
			ON CONFLICT (source_system, source_ref) DO UPDATE SET name = EXCLUDED.name
			RETURNING id`,
			f.SourceSystem, f.SourceRef, f.Name,
		).Scan(&schema.ID)
		if err != nil {
			return eris.Wrapf(err, "survey: upsert form %s", f.SourceRef)
		}

		for _, q := range f.Questions {
			var id string
			err := tx.QueryRow(ctx, `
				INSERT INTO form_questions (form_schema_id, key, label, position, data_type)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (form_schema_id, key)
				DO UPDATE SET label = EXCLUDED.label, position = EXCLUDED.position, data_type = EXCLUDED.data_type
				RETURNING id`,
				schema.ID, q.Key, q.Label, q.Position, string(q.DataType),
			).Scan(&id)
			if err != nil {
				return eris.Wrapf(err, "survey: upsert question %s", q.Key)
			}
			schema.Questions[q.Key] = id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return schema, nil
}

// SaveSubmissions upserts submissions and merges their answers in one bulk
// write.
func (s *PostgresStore) SaveSubmissions(ctx context.Context, schema *Schema, subs []Submission) (Saved, error) {
	var saved Saved
	if len(subs) == 0 {
		return saved, nil
	}

	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var rows [][]any
		for _, sub := range subs {
			var id string
			err := tx.QueryRow(ctx, `
				INSERT INTO form_submissions (form_schema_id, lead_id, submitted_at, source_ref, dedupe_key, raw_payload)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (form_schema_id, dedupe_key)
				DO UPDATE SET lead_id = EXCLUDED.lead_id, raw_payload = EXCLUDED.raw_payload
				RETURNING id`,
				schema.ID, sub.LeadID, sub.SubmittedAt, sub.SourceRef, sub.DedupeKey, rawJSON(sub.Raw),
			).Scan(&id)
			if err != nil {
				return eris.Wrapf(err, "survey: upsert submission %s", sub.DedupeKey)
			}
			saved.Submissions++

			for _, a := range sub.Answers {
				qid, ok := schema.Questions[a.QuestionKey]
				if !ok {
					continue
				}
				rows = append(rows, []any{id, qid, a.Text, a.Number, a.Bool})
			}
		}

		n, err := answersWrite.Apply(ctx, tx, rows)
		if err != nil {
			return eris.Wrap(err, "survey: write answers")
		}
		saved.Answers = n
		return nil
	})
	return saved, err
}

func rawJSON(m map[string]any) []byte {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}
