package lead

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-funnel/internal/db"
	"github.com/sells-group/lead-funnel/internal/identity"
)

// PostgresStore implements Store using pgx.
type PostgresStore struct {
	pool db.Pool // nil inside a transaction
	q    db.Querier
	tx   pgx.Tx
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

// WithTx runs fn in a transaction. Nested calls reuse the open transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&PostgresStore{q: tx, tx: tx})
	})
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return db.InTx(ctx, s.pool, fn)
}

// FindOwners returns the identifier rows matching any of ids.
func (s *PostgresStore) FindOwners(ctx context.Context, ids []identity.Identifier) ([]Owner, error) {
	kinds := make([]string, len(ids))
	values := make([]string, len(ids))
	for i, id := range ids {
		kinds[i] = string(id.Kind)
		values[i] = id.Normalized
	}

	rows, err := s.q.Query(ctx, `
		SELECT li.type, li.value_normalized, li.lead_id
		FROM lead_identifiers li
		JOIN unnest($1::text[], $2::text[]) AS want(type, value) ON li.type = want.type AND li.value_normalized = want.value
		ORDER BY li.created_at`,
		kinds, values,
	)
	if err != nil {
		return nil, eris.Wrap(err, "lead: find owners")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Owner, error) {
		var o Owner
		var kind string
		err := row.Scan(&kind, &o.Normalized, &o.LeadID)
		o.Kind = identity.Kind(kind)
		return o, err
	})
}

// FindLeadByIdentifier returns the id of the lead owning the identifier, or
// "" when none does.
func (s *PostgresStore) FindLeadByIdentifier(ctx context.Context, kind identity.Kind, normalized string) (string, error) {
	var leadID string
	err := s.q.QueryRow(ctx,
		`SELECT lead_id FROM lead_identifiers WHERE type = $1 AND value_normalized = $2`,
		string(kind), normalized,
	).Scan(&leadID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "lead: find by %s", kind)
	}
	return leadID, nil
}

// CreateLead inserts a new lead.
func (s *PostgresStore) CreateLead(ctx context.Context, l *Lead) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO leads (id, full_name, first_contact_at, last_activity_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, nilIfEmpty(l.FullName), l.FirstContactAt, l.LastActivityAt, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "lead: insert")
	}
	return nil
}

// GetLead returns the lead or nil when it does not exist.
func (s *PostgresStore) GetLead(ctx context.Context, id string) (*Lead, error) {
	var l Lead
	var name *string
	err := s.q.QueryRow(ctx, `
		SELECT id, full_name, first_contact_at, last_activity_at, created_at, updated_at
		FROM leads WHERE id = $1`,
		id,
	).Scan(&l.ID, &name, &l.FirstContactAt, &l.LastActivityAt, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "lead: get %s", id)
	}
	if name != nil {
		l.FullName = *name
	}
	return &l, nil
}

// UpdateLead writes name and activity timestamps.
func (s *PostgresStore) UpdateLead(ctx context.Context, l *Lead) error {
	_, err := s.q.Exec(ctx, `
		UPDATE leads SET full_name = $2, first_contact_at = $3, last_activity_at = $4, updated_at = $5
		WHERE id = $1`,
		l.ID, nilIfEmpty(l.FullName), l.FirstContactAt, l.LastActivityAt, l.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "lead: update %s", l.ID)
	}
	return nil
}

// AttachIdentifier inserts the identifier unless it is already owned.
func (s *PostgresStore) AttachIdentifier(ctx context.Context, leadID string, id identity.Identifier, primary bool) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO lead_identifiers (lead_id, type, value, value_normalized, is_primary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (type, value_normalized) DO NOTHING`,
		leadID, string(id.Kind), id.Raw, id.Normalized, primary, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "lead: attach identifier %s", id.Key())
	}
	return tag.RowsAffected() == 1, nil
}

// mergeStatements move every lead-owned row from the absorbed leads ($2) to
// the target ($1). Provenance rows are copied with ON CONFLICT DO NOTHING so
// duplicates collapse; the originals cascade away with the absorbed leads.
var mergeStatements = []string{
	`UPDATE lead_identifiers SET lead_id = $1, is_primary = false WHERE lead_id = ANY($2)`,
	`INSERT INTO lead_sources (lead_id, source_system, source_ref, first_seen_at, last_seen_at, meta)
		SELECT $1, source_system, source_ref, first_seen_at, last_seen_at, meta
		FROM lead_sources WHERE lead_id = ANY($2)
		ON CONFLICT (lead_id, source_system, source_ref) DO NOTHING`,
	`INSERT INTO lead_tags (lead_id, tag_id, source_system, source_ref, first_seen_at, last_seen_at, meta)
		SELECT $1, tag_id, source_system, source_ref, first_seen_at, last_seen_at, meta
		FROM lead_tags WHERE lead_id = ANY($2)
		ON CONFLICT (lead_id, tag_id, source_system) DO NOTHING`,
	`UPDATE lead_events SET lead_id = $1 WHERE lead_id = ANY($2)`,
	`UPDATE funnel_entries SET lead_id = $1 WHERE lead_id = ANY($2)`,
	`UPDATE form_submissions SET lead_id = $1 WHERE lead_id = ANY($2)`,
	`DELETE FROM leads WHERE id = ANY($2) AND id <> $1`,
}

// MergeLeads moves rows from absorbed leads to target and deletes them. The
// lead rows are locked in id order first so concurrent merges serialize.
func (s *PostgresStore) MergeLeads(ctx context.Context, target string, absorbed []string) error {
	if len(absorbed) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		lockIDs := append([]string{target}, absorbed...)
		rows, err := tx.Query(ctx, `SELECT id FROM leads WHERE id = ANY($1) ORDER BY id FOR UPDATE`, lockIDs)
		if err != nil {
			return eris.Wrap(err, "lead: lock merge rows")
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "lead: lock merge rows")
		}

		for _, stmt := range mergeStatements {
			if _, err := tx.Exec(ctx, stmt, target, absorbed); err != nil {
				return eris.Wrapf(err, "lead: merge into %s", target)
			}
		}
		return nil
	})
}

var (
	sourcesWrite = db.BulkWrite{
		Table:        "lead_sources",
		Columns:      []string{"lead_id", "source_system", "source_ref", "first_seen_at", "last_seen_at", "meta"},
		ConflictKeys: []string{"lead_id", "source_system", "source_ref"},
		UpdateCols:   []string{"last_seen_at", "meta"},
	}
	tagLinksWrite = db.BulkWrite{
		Table:        "lead_tags",
		Columns:      []string{"lead_id", "tag_id", "source_system", "source_ref", "first_seen_at", "last_seen_at", "meta"},
		ConflictKeys: []string{"lead_id", "tag_id", "source_system"},
		UpdateCols:   []string{"last_seen_at"},
	}
	eventsWrite = db.BulkWrite{
		Table:        "lead_events",
		Columns:      []string{"lead_id", "event_type", "source_system", "occurred_at", "ingested_at", "dedupe_key", "payload"},
		ConflictKeys: []string{"dedupe_key"},
	}
)

// WriteBatch upserts sources and tag links and inserts events, skipping
// events whose dedupe key was already written.
func (s *PostgresStore) WriteBatch(ctx context.Context, b Batch) (BatchResult, error) {
	var res BatchResult
	if b.Empty() {
		return res, nil
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tagIDs, err := ensureTagsPostgres(ctx, tx, b.Tags)
		if err != nil {
			return err
		}

		sourceRows := make([][]any, 0, len(b.Sources))
		for _, src := range b.Sources {
			sourceRows = append(sourceRows, []any{
				src.LeadID, src.SourceSystem, src.SourceRef, src.SeenAt, src.SeenAt, marshalJSON(src.Meta),
			})
		}
		if res.Sources, err = sourcesWrite.Apply(ctx, tx, sourceRows); err != nil {
			return eris.Wrap(err, "lead: write sources")
		}

		tagRows := make([][]any, 0, len(b.Tags))
		for _, t := range b.Tags {
			tagRows = append(tagRows, []any{
				t.LeadID, tagIDs[t.TagKey], t.SourceSystem, nilIfEmpty(t.SourceRef), t.SeenAt, t.SeenAt, marshalJSON(t.Meta),
			})
		}
		if res.TagsLinked, err = tagLinksWrite.Apply(ctx, tx, tagRows); err != nil {
			return eris.Wrap(err, "lead: write tag links")
		}

		eventRows := make([][]any, 0, len(b.Events))
		for _, e := range b.Events {
			ingested := e.IngestedAt
			if ingested.IsZero() {
				ingested = time.Now().UTC()
			}
			eventRows = append(eventRows, []any{
				e.LeadID, e.EventType, e.SourceSystem, e.OccurredAt, ingested, e.DedupeKey, marshalJSON(e.Payload),
			})
		}
		if res.Events, err = eventsWrite.Apply(ctx, tx, eventRows); err != nil {
			return eris.Wrap(err, "lead: write events")
		}
		return nil
	})
	return res, err
}

// UpsertTags writes the tag catalog.
func (s *PostgresStore) UpsertTags(ctx context.Context, tags []TagDef) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}
	var n int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		ids, err := ensureTagsPostgres(ctx, tx, tagLinks(tags))
		n = len(ids)
		return err
	})
	return n, err
}

// ensureTagsPostgres upserts the catalog entry of every distinct tag key and
// returns key → id.
func ensureTagsPostgres(ctx context.Context, tx pgx.Tx, links []TagLink) (map[string]string, error) {
	ids := make(map[string]string)
	for _, l := range links {
		if _, ok := ids[l.TagKey]; ok {
			continue
		}
		var id string
		err := tx.QueryRow(ctx, `
			INSERT INTO tags (key, name, category) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET name = COALESCE(NULLIF(EXCLUDED.name, ''), tags.name)
			RETURNING id`,
			l.TagKey, l.TagName, nilIfEmpty(l.Category),
		).Scan(&id)
		if err != nil {
			return nil, eris.Wrapf(err, "lead: ensure tag %s", l.TagKey)
		}
		ids[l.TagKey] = id
	}
	return ids, nil
}

// GetDetail assembles the full lead projection. Returns nil when the lead
// does not exist.
func (s *PostgresStore) GetDetail(ctx context.Context, id string) (*Detail, error) {
	l, err := s.GetLead(ctx, id)
	if err != nil || l == nil {
		return nil, err
	}
	d := &Detail{Lead: *l}

	if d.Identifiers, err = queryList(ctx, s.q, `
		SELECT id, lead_id, type, value, value_normalized, is_primary, created_at
		FROM lead_identifiers WHERE lead_id = $1 ORDER BY is_primary DESC, created_at`, id,
		func(row pgx.CollectableRow) (Identifier, error) {
			var i Identifier
			var kind string
			err := row.Scan(&i.ID, &i.LeadID, &kind, &i.Value, &i.ValueNormalized, &i.IsPrimary, &i.CreatedAt)
			i.Type = identity.Kind(kind)
			return i, err
		}); err != nil {
		return nil, eris.Wrap(err, "lead: detail identifiers")
	}

	if d.Sources, err = queryList(ctx, s.q, `
		SELECT id, lead_id, source_system, source_ref, first_seen_at, last_seen_at, meta
		FROM lead_sources WHERE lead_id = $1 ORDER BY first_seen_at`, id,
		func(row pgx.CollectableRow) (Source, error) {
			var src Source
			var meta []byte
			err := row.Scan(&src.ID, &src.LeadID, &src.SourceSystem, &src.SourceRef, &src.FirstSeenAt, &src.LastSeenAt, &meta)
			src.Meta = unmarshalJSON(meta)
			return src, err
		}); err != nil {
		return nil, eris.Wrap(err, "lead: detail sources")
	}

	if d.Tags, err = queryList(ctx, s.q, `
		SELECT t.id, t.key, t.name, COALESCE(t.category, ''), lt.source_system, COALESCE(lt.source_ref, ''),
		       lt.first_seen_at, lt.last_seen_at, lt.meta
		FROM lead_tags lt JOIN tags t ON t.id = lt.tag_id
		WHERE lt.lead_id = $1 ORDER BY lt.first_seen_at`, id,
		func(row pgx.CollectableRow) (Tag, error) {
			var t Tag
			var meta []byte
			err := row.Scan(&t.TagID, &t.Key, &t.Name, &t.Category, &t.SourceSystem, &t.SourceRef, &t.FirstSeenAt, &t.LastSeenAt, &meta)
			t.Meta = unmarshalJSON(meta)
			return t, err
		}); err != nil {
		return nil, eris.Wrap(err, "lead: detail tags")
	}

	if d.Events, err = queryList(ctx, s.q, `
		SELECT id, lead_id, event_type, source_system, occurred_at, ingested_at, dedupe_key, payload
		FROM lead_events WHERE lead_id = $1 ORDER BY occurred_at DESC`, id,
		func(row pgx.CollectableRow) (Event, error) {
			var e Event
			var payload []byte
			err := row.Scan(&e.ID, &e.LeadID, &e.EventType, &e.SourceSystem, &e.OccurredAt, &e.IngestedAt, &e.DedupeKey, &payload)
			e.Payload = unmarshalJSON(payload)
			return e, err
		}); err != nil {
		return nil, eris.Wrap(err, "lead: detail events")
	}

	if d.FunnelEntries, err = queryList(ctx, s.q, `
		SELECT e.id, e.funnel_id, f.name, COALESCE(e.current_stage_id, ''), COALESCE(st.name, ''), e.status,
		       e.source_system, e.external_ref, e.first_seen_at, e.last_seen_at, e.meta
		FROM funnel_entries e
		JOIN funnels f ON f.id = e.funnel_id
		LEFT JOIN funnel_stages st ON st.id = e.current_stage_id
		WHERE e.lead_id = $1 ORDER BY e.first_seen_at`, id,
		func(row pgx.CollectableRow) (FunnelEntry, error) {
			var fe FunnelEntry
			var meta []byte
			err := row.Scan(&fe.ID, &fe.FunnelID, &fe.FunnelName, &fe.CurrentStageID, &fe.CurrentStageName, &fe.Status,
				&fe.SourceSystem, &fe.ExternalRef, &fe.FirstSeenAt, &fe.LastSeenAt, &meta)
			fe.Meta = unmarshalJSON(meta)
			return fe, err
		}); err != nil {
		return nil, eris.Wrap(err, "lead: detail funnel entries")
	}

	if d.Surveys, err = s.surveys(ctx, id); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *PostgresStore) surveys(ctx context.Context, leadID string) ([]SurveySubmission, error) {
	subs, err := queryList(ctx, s.q, `
		SELECT sub.id, sub.form_schema_id, fs.name, fs.source_system, sub.submitted_at,
		       COALESCE(sub.source_ref, ''), sub.dedupe_key, sub.created_at, sub.raw_payload
		FROM form_submissions sub JOIN form_schemas fs ON fs.id = sub.form_schema_id
		WHERE sub.lead_id = $1 ORDER BY sub.created_at DESC`, leadID,
		func(row pgx.CollectableRow) (SurveySubmission, error) {
			var sub SurveySubmission
			var raw []byte
			err := row.Scan(&sub.SubmissionID, &sub.FormSchemaID, &sub.FormName, &sub.FormSourceSystem, &sub.SubmittedAt,
				&sub.SourceRef, &sub.DedupeKey, &sub.CreatedAt, &raw)
			sub.RawPayload = unmarshalJSON(raw)
			sub.Answers = []SurveyAnswer{}
			return sub, err
		})
	if err != nil {
		return nil, eris.Wrap(err, "lead: detail surveys")
	}
	if len(subs) == 0 {
		return subs, nil
	}

	type answerRow struct {
		submissionID string
		answer       SurveyAnswer
	}
	answers, err := queryList(ctx, s.q, `
		SELECT a.form_submission_id, a.id, a.question_id, q.key, q.label, q.position, q.data_type,
		       a.value_text, a.value_number, a.value_bool
		FROM form_answers a
		JOIN form_questions q ON q.id = a.question_id
		JOIN form_submissions sub ON sub.id = a.form_submission_id
		WHERE sub.lead_id = $1 ORDER BY q.position`, leadID,
		func(row pgx.CollectableRow) (answerRow, error) {
			var r answerRow
			a := &r.answer
			err := row.Scan(&r.submissionID, &a.AnswerID, &a.QuestionID, &a.QuestionKey, &a.QuestionLabel,
				&a.QuestionPosition, &a.QuestionDataType, &a.ValueText, &a.ValueNumber, &a.ValueBool)
			return r, err
		})
	if err != nil {
		return nil, eris.Wrap(err, "lead: detail survey answers")
	}

	index := make(map[string]int, len(subs))
	for i, sub := range subs {
		index[sub.SubmissionID] = i
	}
	for _, r := range answers {
		if i, ok := index[r.submissionID]; ok {
			subs[i].Answers = append(subs[i].Answers, r.answer)
		}
	}
	return subs, nil
}

// FindByName returns leads whose name contains every word of name,
// case-insensitively.
func (s *PostgresStore) FindByName(ctx context.Context, name string, limit int) ([]Lead, error) {
	if limit <= 0 {
		limit = 20
	}
	leads, err := queryList(ctx, s.q, `
		SELECT id, COALESCE(full_name, ''), first_contact_at, last_activity_at, created_at, updated_at
		FROM leads WHERE full_name ILIKE $1 ORDER BY last_activity_at DESC NULLS LAST LIMIT $2`, namePattern(name),
		func(row pgx.CollectableRow) (Lead, error) {
			var l Lead
			err := row.Scan(&l.ID, &l.FullName, &l.FirstContactAt, &l.LastActivityAt, &l.CreatedAt, &l.UpdatedAt)
			return l, err
		}, limit)
	if err != nil {
		return nil, eris.Wrap(err, "lead: find by name")
	}
	return leads, nil
}

// CountLeads returns the number of leads.
func (s *PostgresStore) CountLeads(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRow(ctx, `SELECT count(*) FROM leads`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "lead: count")
	}
	return n, nil
}

func queryList[T any](ctx context.Context, q db.Querier, sql string, arg any, scan pgx.RowToFunc[T], extra ...any) ([]T, error) {
	rows, err := q.Query(ctx, sql, append([]any{arg}, extra...)...)
	if err != nil {
		return nil, err
	}
	list, err := pgx.CollectRows(rows, scan)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []T{}
	}
	return list, nil
}

// namePattern turns "ana souza" into "%ana%souza%".
func namePattern(name string) string {
	return "%" + strings.Join(strings.Fields(identity.NormalizeName(name)), "%") + "%"
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalJSON(m map[string]any) []byte {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

func unmarshalJSON(b []byte) map[string]any {
	if len(b) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
