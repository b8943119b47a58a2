package survey

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-funnel/internal/db"
)

// SQLiteStore implements Store on modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a SQLiteStore on a handle opened with db.OpenSQLite.
func NewSQLiteStore(conn *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: conn, now: time.Now}
}

// UpsertForm creates the form or refreshes its name and questions.
func (s *SQLiteStore) UpsertForm(ctx context.Context, f Form) (*Schema, error) {
	schema := &Schema{Name: f.Name, Questions: make(map[string]string, len(f.Questions))}
	err := db.InSQLTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO form_schemas (id, source_system, source_ref, name, created_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (source_system, source_ref) DO UPDATE SET name = excluded.name
			RETURNING id`,
			uuid.NewString(), f.SourceSystem, f.SourceRef, f.Name, s.now().UTC(),
		).Scan(&schema.ID)
		if err != nil {
			return eris.Wrapf(err, "survey: upsert form %s", f.SourceRef)
		}

		for _, q := range f.Questions {
			var id string
			err := tx.QueryRowContext(ctx, `
				INSERT INTO form_questions (id, form_schema_id, key, label, position, data_type)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (form_schema_id, key)
				DO UPDATE SET label = excluded.label, position = excluded.position, data_type = excluded.data_type
				RETURNING id`,
				uuid.NewString(), schema.ID, q.Key, q.Label, q.Position, string(q.DataType),
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

// SaveSubmissions upserts submissions by dedupe key and their answers.
func (s *SQLiteStore) SaveSubmissions(ctx context.Context, schema *Schema, subs []Submission) (Saved, error) {
	var saved Saved
	if len(subs) == 0 {
		return saved, nil
	}

	err := db.InSQLTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, sub := range subs {
			var id string
			err := tx.QueryRowContext(ctx, `
				INSERT INTO form_submissions (id, form_schema_id, lead_id, submitted_at, source_ref, dedupe_key, raw_payload, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (form_schema_id, dedupe_key)
				DO UPDATE SET lead_id = excluded.lead_id, raw_payload = excluded.raw_payload
				RETURNING id`,
				uuid.NewString(), schema.ID, sub.LeadID, timeArg(sub.SubmittedAt), sub.SourceRef, sub.DedupeKey,
				textArg(rawJSON(sub.Raw)), s.now().UTC(),
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
				res, err := tx.ExecContext(ctx, `
					INSERT INTO form_answers (id, form_submission_id, question_id, value_text, value_number, value_bool)
					VALUES (?, ?, ?, ?, ?, ?)
					ON CONFLICT (form_submission_id, question_id)
					DO UPDATE SET value_text = excluded.value_text, value_number = excluded.value_number,
					              value_bool = excluded.value_bool`,
					uuid.NewString(), id, qid, a.Text, a.Number, a.Bool,
				)
				if err != nil {
					return eris.Wrapf(err, "survey: write answer %s", a.QuestionKey)
				}
				n, err := res.RowsAffected()
				if err != nil {
					return eris.Wrap(err, "survey: answer rows affected")
				}
				saved.Answers += n
			}
		}
		return nil
	})
	return saved, err
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func textArg(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
