package lead

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-funnel/internal/db"
	"github.com/sells-group/lead-funnel/internal/identity"
)

// SQLiteStore implements Store on modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
	q  db.SQLQuerier
	tx *sql.Tx
}

// NewSQLiteStore creates a SQLiteStore on a handle opened with db.OpenSQLite.
func NewSQLiteStore(conn *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: conn, q: conn}
}

// WithTx runs fn in a transaction. Nested calls reuse the open transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	return db.InSQLTx(ctx, s.db, func(tx *sql.Tx) error {
		return fn(&SQLiteStore{db: s.db, q: tx, tx: tx})
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(q db.SQLQuerier) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return db.InSQLTx(ctx, s.db, func(tx *sql.Tx) error { return fn(tx) })
}

// FindOwners returns the identifier rows matching any of ids.
func (s *SQLiteStore) FindOwners(ctx context.Context, ids []identity.Identifier) ([]Owner, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	conds := make([]string, len(ids))
	args := make([]any, 0, 2*len(ids))
	for i, id := range ids {
		conds[i] = "(type = ? AND value_normalized = ?)"
		args = append(args, string(id.Kind), id.Normalized)
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT type, value_normalized, lead_id FROM lead_identifiers WHERE `+strings.Join(conds, " OR ")+` ORDER BY created_at`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "lead: find owners")
	}
	defer rows.Close() //nolint:errcheck

	var owners []Owner
	for rows.Next() {
		var o Owner
		var kind string
		if err := rows.Scan(&kind, &o.Normalized, &o.LeadID); err != nil {
			return nil, eris.Wrap(err, "lead: scan owner")
		}
		o.Kind = identity.Kind(kind)
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

// FindLeadByIdentifier returns the id of the lead owning the identifier, or
// "" when none does.
func (s *SQLiteStore) FindLeadByIdentifier(ctx context.Context, kind identity.Kind, normalized string) (string, error) {
	var leadID string
	err := s.q.QueryRowContext(ctx,
		`SELECT lead_id FROM lead_identifiers WHERE type = ? AND value_normalized = ?`,
		string(kind), normalized,
	).Scan(&leadID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "lead: find by %s", kind)
	}
	return leadID, nil
}

// CreateLead inserts a new lead.
func (s *SQLiteStore) CreateLead(ctx context.Context, l *Lead) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO leads (id, full_name, first_contact_at, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, nilIfEmpty(l.FullName), timeArg(l.FirstContactAt), timeArg(l.LastActivityAt), l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "lead: insert")
	}
	return nil
}

// GetLead returns the lead or nil when it does not exist.
func (s *SQLiteStore) GetLead(ctx context.Context, id string) (*Lead, error) {
	var l Lead
	var name sql.NullString
	err := s.q.QueryRowContext(ctx, `
		SELECT id, full_name, first_contact_at, last_activity_at, created_at, updated_at
		FROM leads WHERE id = ?`,
		id,
	).Scan(&l.ID, &name, &l.FirstContactAt, &l.LastActivityAt, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "lead: get %s", id)
	}
	l.FullName = name.String
	return &l, nil
}

// UpdateLead writes name and activity timestamps.
func (s *SQLiteStore) UpdateLead(ctx context.Context, l *Lead) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE leads SET full_name = ?, first_contact_at = ?, last_activity_at = ?, updated_at = ?
		WHERE id = ?`,
		nilIfEmpty(l.FullName), timeArg(l.FirstContactAt), timeArg(l.LastActivityAt), l.UpdatedAt, l.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "lead: update %s", l.ID)
	}
	return nil
}

// AttachIdentifier inserts the identifier unless it is already owned.
func (s *SQLiteStore) AttachIdentifier(ctx context.Context, leadID string, id identity.Identifier, primary bool) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO lead_identifiers (id, lead_id, type, value, value_normalized, is_primary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (type, value_normalized) DO NOTHING`,
		uuid.NewString(), leadID, string(id.Kind), id.Raw, id.Normalized, primary, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "lead: attach identifier %s", id.Key())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "lead: attach rows affected")
	}
	return n == 1, nil
}

// sqliteMerge mirrors mergeStatements with expanded IN lists. The target id is
// bound first, then the absorbed ids.
var sqliteMerge = []string{
	`UPDATE lead_identifiers SET lead_id = ?, is_primary = 0 WHERE lead_id IN (%s)`,
	`INSERT INTO lead_sources (id, lead_id, source_system, source_ref, first_seen_at, last_seen_at, meta)
		SELECT lower(hex(randomblob(16))), ?, source_system, source_ref, first_seen_at, last_seen_at, meta
		FROM lead_sources WHERE lead_id IN (%s)
		ON CONFLICT (lead_id, source_system, source_ref) DO NOTHING`,
	`INSERT INTO lead_tags (id, lead_id, tag_id, source_system, source_ref, first_seen_at, last_seen_at, meta)
		SELECT lower(hex(randomblob(16))), ?, tag_id, source_system, source_ref, first_seen_at, last_seen_at, meta
		FROM lead_tags WHERE lead_id IN (%s)
		ON CONFLICT (lead_id, tag_id, source_system) DO NOTHING`,
	`UPDATE lead_events SET lead_id = ? WHERE lead_id IN (%s)`,
	`UPDATE funnel_entries SET lead_id = ? WHERE lead_id IN (%s)`,
	`UPDATE form_submissions SET lead_id = ? WHERE lead_id IN (%s)`,
	`DELETE FROM leads WHERE id <> ? AND id IN (%s)`,
}

// MergeLeads moves rows from absorbed leads to target and deletes them.
func (s *SQLiteStore) MergeLeads(ctx context.Context, target string, absorbed []string) error {
	if len(absorbed) == 0 {
		return nil
	}
	in := strings.TrimSuffix(strings.Repeat("?,", len(absorbed)), ",")
	args := make([]any, 0, len(absorbed)+1)
	args = append(args, target)
	for _, id := range absorbed {
		args = append(args, id)
	}

	return s.inTx(ctx, func(q db.SQLQuerier) error {
		for _, stmt := range sqliteMerge {
			if _, err := q.ExecContext(ctx, strings.Replace(stmt, "%s", in, 1), args...); err != nil {
				return eris.Wrapf(err, "lead: merge into %s", target)
			}
		}
		return nil
	})
}

// WriteBatch upserts sources and tag links and inserts events, skipping
// events whose dedupe key was already written.
func (s *SQLiteStore) WriteBatch(ctx context.Context, b Batch) (BatchResult, error) {
	var res BatchResult
	if b.Empty() {
		return res, nil
	}

	err := s.inTx(ctx, func(q db.SQLQuerier) error {
		tagIDs, err := ensureTagsSQLite(ctx, q, b.Tags)
		if err != nil {
			return err
		}

		for _, src := range b.Sources {
			n, err := execCount(ctx, q, `
				INSERT INTO lead_sources (id, lead_id, source_system, source_ref, first_seen_at, last_seen_at, meta)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (lead_id, source_system, source_ref)
				DO UPDATE SET last_seen_at = excluded.last_seen_at, meta = COALESCE(excluded.meta, lead_sources.meta)`,
				uuid.NewString(), src.LeadID, src.SourceSystem, src.SourceRef, src.SeenAt, src.SeenAt, jsonText(src.Meta),
			)
			if err != nil {
				return eris.Wrap(err, "lead: write source")
			}
			res.Sources += n
		}

		for _, t := range b.Tags {
			n, err := execCount(ctx, q, `
				INSERT INTO lead_tags (id, lead_id, tag_id, source_system, source_ref, first_seen_at, last_seen_at, meta)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (lead_id, tag_id, source_system) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
				uuid.NewString(), t.LeadID, tagIDs[t.TagKey], t.SourceSystem, nilIfEmpty(t.SourceRef), t.SeenAt, t.SeenAt, jsonText(t.Meta),
			)
			if err != nil {
				return eris.Wrap(err, "lead: write tag link")
			}
			res.TagsLinked += n
		}

		for _, e := range b.Events {
			ingested := e.IngestedAt
			if ingested.IsZero() {
				ingested = time.Now().UTC()
			}
			n, err := execCount(ctx, q, `
				INSERT INTO lead_events (id, lead_id, event_type, source_system, occurred_at, ingested_at, dedupe_key, payload)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (dedupe_key) DO NOTHING`,
				uuid.NewString(), e.LeadID, e.EventType, e.SourceSystem, e.OccurredAt, ingested, e.DedupeKey, jsonText(e.Payload),
			)
			if err != nil {
				return eris.Wrap(err, "lead: write event")
			}
			res.Events += n
		}
		return nil
	})
	return res, err
}

// GetDetail assembles the full lead projection. Returns nil when the lead
// does not exist.
func (s *SQLiteStore) GetDetail(ctx context.Context, id string) (*Detail, error) {
	l, err := s.GetLead(ctx, id)
	if err != nil || l == nil {
		return nil, err
	}
	d := &Detail{
		Lead:          *l,
		Identifiers:   []Identifier{},
		Sources:       []Source{},
		Tags:          []Tag{},
		Events:        []Event{},
		FunnelEntries: []FunnelEntry{},
		Surveys:       []SurveySubmission{},
	}

	err = sqlEach(ctx, s.q, `
		SELECT id, lead_id, type, value, value_normalized, is_primary, created_at
		FROM lead_identifiers WHERE lead_id = ? ORDER BY is_primary DESC, created_at`,
		[]any{id}, func(rows *sql.Rows) error {
			var i Identifier
			var kind string
			if err := rows.Scan(&i.ID, &i.LeadID, &kind, &i.Value, &i.ValueNormalized, &i.IsPrimary, &i.CreatedAt); err != nil {
				return err
			}
			i.Type = identity.Kind(kind)
			d.Identifiers = append(d.Identifiers, i)
			return nil
		})
	if err != nil {
		return nil, eris.Wrap(err, "lead: detail identifiers")
	}

	err = sqlEach(ctx, s.q, `
		SELECT id, lead_id, source_system, source_ref, first_seen_at, last_seen_at, meta
		FROM lead_sources WHERE lead_id = ? ORDER BY first_seen_at`,
		[]any{id}, func(rows *sql.Rows) error {
			var src Source
			var meta []byte
			if err := rows.Scan(&src.ID, &src.LeadID, &src.SourceSystem, &src.SourceRef, &src.FirstSeenAt, &src.LastSeenAt, &meta); err != nil {
				return err
			}
			src.Meta = unmarshalJSON(meta)
			d.Sources = append(d.Sources, src)
			return nil
		})
	if err != nil {
		return nil, eris.Wrap(err, "lead: detail sources")
	}

	err = sqlEach(ctx, s.q, `
		SELECT t.id, t.key, t.name, COALESCE(t.category, ''), lt.source_system, COALESCE(lt.source_ref, ''),
		       lt.first_seen_at, lt.last_seen_at, lt.meta
		FROM lead_tags lt JOIN tags t ON t.id = lt.tag_id
		WHERE lt.lead_id = ? ORDER BY lt.first_seen_at`,
		[]any{id}, func(rows *sql.Rows) error {
			var t Tag
			var meta []byte
			if err := rows.Scan(&t.TagID, &t.Key, &t.Name, &t.Category, &t.SourceSystem, &t.SourceRef, &t.FirstSeenAt, &t.LastSeenAt, &meta); err != nil {
				return err
			}
			t.Meta = unmarshalJSON(meta)
			d.Tags = append(d.Tags, t)
			return nil
		})
	if err != nil {
		return nil, eris.Wrap(err, "lead: detail tags")
	}

	err = sqlEach(ctx, s.q, `
		SELECT id, lead_id, event_type, source_system, occurred_at, ingested_at, dedupe_key, payload
		FROM lead_events WHERE lead_id = ? ORDER BY occurred_at DESC`,
		[]any{id}, func(rows *sql.Rows) error {
			var e Event
			var payload []byte
			if err := rows.Scan(&e.ID, &e.LeadID, &e.EventType, &e.SourceSystem, &e.OccurredAt, &e.IngestedAt, &e.DedupeKey, &payload); err != nil {
				return err
			}
			e.Payload = unmarshalJSON(payload)
			d.Events = append(d.Events, e)
			return nil
		})
	if err != nil {
		return nil, eris.Wrap(err, "lead: detail events")
	}

	err = sqlEach(ctx, s.q, `
		SELECT e.id, e.funnel_id, f.name, COALESCE(e.current_stage_id, ''), COALESCE(st.name, ''), e.status,
		       e.source_system, e.external_ref, e.first_seen_at, e.last_seen_at, e.meta
		FROM funnel_entries e
		JOIN funnels f ON f.id = e.funnel_id
		LEFT JOIN funnel_stages st ON st.id = e.current_stage_id
		WHERE e.lead_id = ? ORDER BY e.first_seen_at`,
		[]any{id}, func(rows *sql.Rows) error {
			var fe FunnelEntry
			var meta []byte
			if err := rows.Scan(&fe.ID, &fe.FunnelID, &fe.FunnelName, &fe.CurrentStageID, &fe.CurrentStageName, &fe.Status,
				&fe.SourceSystem, &fe.ExternalRef, &fe.FirstSeenAt, &fe.LastSeenAt, &meta); err != nil {
				return err
			}
			fe.Meta = unmarshalJSON(meta)
			d.FunnelEntries = append(d.FunnelEntries, fe)
			return nil
		})
	if err != nil {
		return nil, eris.Wrap(err, "lead: detail funnel entries")
	}

	index := make(map[string]int)
	err = sqlEach(ctx, s.q, `
		SELECT sub.id, sub.form_schema_id, fs.name, fs.source_system, sub.submitted_at,
		       COALESCE(sub.source_ref, ''), sub.dedupe_key, sub.created_at, sub.raw_payload
		FROM form_submissions sub JOIN form_schemas fs ON fs.id = sub.form_schema_id
		WHERE sub.lead_id = ? ORDER BY sub.created_at DESC`,
		[]any{id}, func(rows *sql.Rows) error {
			sub := SurveySubmission{Answers: []SurveyAnswer{}}
			var raw []byte
			if err := rows.Scan(&sub.SubmissionID, &sub.FormSchemaID, &sub.FormName, &sub.FormSourceSystem, &sub.SubmittedAt,
				&sub.SourceRef, &sub.DedupeKey, &sub.CreatedAt, &raw); err != nil {
				return err
			}
			sub.RawPayload = unmarshalJSON(raw)
			index[sub.SubmissionID] = len(d.Surveys)
			d.Surveys = append(d.Surveys, sub)
			return nil
		})
	if err != nil {
		return nil, eris.Wrap(err, "lead: detail surveys")
	}
	if len(d.Surveys) == 0 {
		return d, nil
	}

	err = sqlEach(ctx, s.q, `
		SELECT a.form_submission_id, a.id, a.question_id, q.key, q.label, q.position, q.data_type,
		       a.value_text, a.value_number, a.value_bool
		FROM form_answers a
		JOIN form_questions q ON q.id = a.question_id
		JOIN form_submissions sub ON sub.id = a.form_submission_id
		WHERE sub.lead_id = ? ORDER BY q.position`,
		[]any{id}, func(rows *sql.Rows) error {
			var subID string
			var a SurveyAnswer
			if err := rows.Scan(&subID, &a.AnswerID, &a.QuestionID, &a.QuestionKey, &a.QuestionLabel,
				&a.QuestionPosition, &a.QuestionDataType, &a.ValueText, &a.ValueNumber, &a.ValueBool); err != nil {
				return err
			}
			if i, ok := index[subID]; ok {
				d.Surveys[i].Answers = append(d.Surveys[i].Answers, a)
			}
			return nil
		})
	if err != nil {
		return nil, eris.Wrap(err, "lead: detail survey answers")
	}
	return d, nil
}

// FindByName returns leads whose name contains every word of name in order,
// case-insensitively for ASCII letters.
func (s *SQLiteStore) FindByName(ctx context.Context, name string, limit int) ([]Lead, error) {
	if limit <= 0 {
		limit = 20
	}
	leads := []Lead{}
	err := sqlEach(ctx, s.q, `
		SELECT id, full_name, first_contact_at, last_activity_at, created_at, updated_at
		FROM leads WHERE full_name LIKE ? ORDER BY updated_at DESC LIMIT ?`,
		[]any{namePattern(name), limit}, func(rows *sql.Rows) error {
			var l Lead
			if err := rows.Scan(&l.ID, &l.FullName, &l.FirstContactAt, &l.LastActivityAt, &l.CreatedAt, &l.UpdatedAt); err != nil {
				return err
			}
			leads = append(leads, l)
			return nil
		})
	if err != nil {
		return nil, eris.Wrap(err, "lead: find by name")
	}
	return leads, nil
}

// CountLeads returns the number of leads.
func (s *SQLiteStore) CountLeads(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT count(*) FROM leads`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "lead: count")
	}
	return n, nil
}

func sqlEach(ctx context.Context, q db.SQLQuerier, query string, args []any, fn func(rows *sql.Rows) error) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func execCount(ctx context.Context, q db.SQLQuerier, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func jsonText(m map[string]any) any {
	b := marshalJSON(m)
	if b == nil {
		return nil
	}
	return string(b)
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// UpsertTags writes the tag catalog.
func (s *SQLiteStore) UpsertTags(ctx context.Context, tags []TagDef) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}
	var n int
	err := s.inTx(ctx, func(q db.SQLQuerier) error {
		ids, err := ensureTagsSQLite(ctx, q, tagLinks(tags))
		n = len(ids)
		return err
	})
	return n, err
}

func ensureTagsSQLite(ctx context.Context, q db.SQLQuerier, links []TagLink) (map[string]string, error) {
	ids := make(map[string]string)
	for _, t := range links {
		if _, ok := ids[t.TagKey]; ok {
			continue
		}
		var id string
		err := q.QueryRowContext(ctx, `
			INSERT INTO tags (id, key, name, category) VALUES (?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET name = COALESCE(NULLIF(excluded.name, ''), tags.name)
			RETURNING id`,
			uuid.NewString(), t.TagKey, t.TagName, nilIfEmpty(t.Category),
		).Scan(&id)
		if err != nil {
			return nil, eris.Wrapf(err, "lead: ensure tag %s", t.TagKey)
		}
		ids[t.TagKey] = id
	}
	return ids, nil
}
