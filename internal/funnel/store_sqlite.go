package funnel

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-funnel/internal/db"
	"github.com/sells-group/lead-funnel/internal/lead"
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

func (s *SQLiteStore) lookup(ctx context.Context, what, query string, args ...any) (string, error) {
	var id string
	err := s.q.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "funnel: %s", what)
	}
	return id, nil
}

// FunnelByAlias returns the funnel mapped to a source key.
func (s *SQLiteStore) FunnelByAlias(ctx context.Context, source, sourceKey string) (string, error) {
	return s.lookup(ctx, "find alias",
		`SELECT funnel_id FROM funnel_aliases WHERE source_system = ? AND source_key = ?`, source, sourceKey)
}

// FunnelByKey returns the funnel with the catalog key.
func (s *SQLiteStore) FunnelByKey(ctx context.Context, key string) (string, error) {
	return s.lookup(ctx, "find funnel", `SELECT id FROM funnels WHERE key = ?`, key)
}

// UpsertFunnel inserts or renames a funnel.
func (s *SQLiteStore) UpsertFunnel(ctx context.Context, f Funnel) (string, error) {
	var id string
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO funnels (id, key, name, source_system, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET name = excluded.name
		RETURNING id`,
		uuid.NewString(), f.Key, f.Name, f.SourceSystem, createdAt(f.CreatedAt),
	).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "funnel: upsert %s", f.Key)
	}
	return id, nil
}

// UpsertAlias maps a source key to a funnel.
func (s *SQLiteStore) UpsertAlias(ctx context.Context, funnelID, source, sourceKey string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO funnel_aliases (funnel_id, source_system, source_key) VALUES (?, ?, ?)
		ON CONFLICT (source_system, source_key) DO UPDATE SET funnel_id = excluded.funnel_id`,
		funnelID, source, sourceKey,
	)
	if err != nil {
		return eris.Wrapf(err, "funnel: upsert alias %s/%s", source, sourceKey)
	}
	return nil
}

// StageByKey returns the stage id of (funnel, key).
func (s *SQLiteStore) StageByKey(ctx context.Context, funnelID, key string) (string, error) {
	return s.lookup(ctx, "find stage",
		`SELECT id FROM funnel_stages WHERE funnel_id = ? AND key = ?`, funnelID, key)
}

// UpsertStage inserts a stage, optionally replacing name and position.
func (s *SQLiteStore) UpsertStage(ctx context.Context, st Stage, overwrite bool) (string, error) {
	onConflict := `DO UPDATE SET key = funnel_stages.key`
	if overwrite {
		onConflict = `DO UPDATE SET name = excluded.name, position = excluded.position`
	}
	var id string
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO funnel_stages (id, funnel_id, key, name, position) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (funnel_id, key) `+onConflict+`
		RETURNING id`,
		uuid.NewString(), st.FunnelID, st.Key, st.Name, st.Position,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "funnel: upsert stage %s", st.Key)
	}
	return id, nil
}

// GetFunnel returns the funnel or nil when it does not exist.
func (s *SQLiteStore) GetFunnel(ctx context.Context, id string) (*Funnel, error) {
	var f Funnel
	err := s.q.QueryRowContext(ctx,
		`SELECT id, key, name, source_system, created_at FROM funnels WHERE id = ?`, id,
	).Scan(&f.ID, &f.Key, &f.Name, &f.SourceSystem, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "funnel: get %s", id)
	}
	return &f, nil
}

// LockEntry reads an entry by its source key. SQLite has a single writer, so
// the surrounding transaction already serializes access.
func (s *SQLiteStore) LockEntry(ctx context.Context, source, externalRef string) (*Entry, error) {
	var e Entry
	var status string
	var stage sql.NullString
	var meta []byte
	err := s.q.QueryRowContext(ctx, `
		SELECT id, lead_id, funnel_id, current_stage_id, status, source_system, external_ref,
		       first_seen_at, last_seen_at, meta
		FROM funnel_entries WHERE source_system = ? AND external_ref = ?`,
		source, externalRef,
	).Scan(&e.ID, &e.LeadID, &e.FunnelID, &stage, &status, &e.SourceSystem, &e.ExternalRef,
		&e.FirstSeenAt, &e.LastSeenAt, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "funnel: lock entry %s", externalRef)
	}
	e.CurrentStageID = stage.String
	e.Status = Status(status)
	e.Meta = decodeMeta(meta)
	return &e, nil
}

// InsertEntry inserts an entry unless its source key exists.
func (s *SQLiteStore) InsertEntry(ctx context.Context, e *Entry) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO funnel_entries (id, lead_id, funnel_id, current_stage_id, status, source_system, external_ref,
		                            first_seen_at, last_seen_at, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_system, external_ref) DO NOTHING`,
		e.ID, e.LeadID, e.FunnelID, nullable(e.CurrentStageID), string(e.Status), e.SourceSystem, e.ExternalRef,
		e.FirstSeenAt, e.LastSeenAt, metaText(e.Meta),
	)
	if err != nil {
		return false, eris.Wrapf(err, "funnel: insert entry %s", e.ExternalRef)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "funnel: insert entry rows affected")
	}
	return n == 1, nil
}

// UpdateEntry writes the mutable columns of an entry.
func (s *SQLiteStore) UpdateEntry(ctx context.Context, e *Entry) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE funnel_entries
		SET lead_id = ?, funnel_id = ?, current_stage_id = ?, status = ?, last_seen_at = ?, meta = ?
		WHERE id = ?`,
		e.LeadID, e.FunnelID, nullable(e.CurrentStageID), string(e.Status), e.LastSeenAt, metaText(e.Meta), e.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "funnel: update entry %s", e.ID)
	}
	return nil
}

// AppendTransitions inserts transitions, skipping known dedupe keys.
func (s *SQLiteStore) AppendTransitions(ctx context.Context, ts []Transition) (int64, error) {
	var n int64
	for _, t := range ts {
		res, err := s.q.ExecContext(ctx, `
			INSERT INTO funnel_transitions (id, entry_id, from_stage_id, to_stage_id, from_status, to_status, occurred_at, dedupe_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (dedupe_key) DO NOTHING`,
			uuid.NewString(), t.EntryID, nullable(t.FromStageID), nullable(t.ToStageID),
			nullable(string(t.FromStatus)), nullable(string(t.ToStatus)), t.OccurredAt.UTC(), t.DedupeKey,
		)
		if err != nil {
			return n, eris.Wrapf(err, "funnel: append transition %s", t.DedupeKey)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return n, eris.Wrap(err, "funnel: append transition rows affected")
		}
		n += affected
	}
	return n, nil
}

// AppendEvents inserts lead events, skipping known dedupe keys.
func (s *SQLiteStore) AppendEvents(ctx context.Context, events []lead.Event) (int64, error) {
	var n int64
	for _, e := range events {
		res, err := s.q.ExecContext(ctx, `
			INSERT INTO lead_events (id, lead_id, event_type, source_system, occurred_at, ingested_at, dedupe_key, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (dedupe_key) DO NOTHING`,
			uuid.NewString(), e.LeadID, e.EventType, e.SourceSystem, e.OccurredAt.UTC(),
			createdAt(e.IngestedAt).UTC(), e.DedupeKey, metaText(e.Payload),
		)
		if err != nil {
			return n, eris.Wrapf(err, "funnel: append event %s", e.DedupeKey)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return n, eris.Wrap(err, "funnel: append event rows affected")
		}
		n += affected
	}
	return n, nil
}

// Snapshot reads funnels of source with their stages, entries and transitions.
func (s *SQLiteStore) Snapshot(ctx context.Context, source string) (*Snapshot, error) {
	snap := &Snapshot{}

	err := each(ctx, s.q, `
		SELECT id, key, name, source_system, created_at FROM funnels
		WHERE (? = '' OR source_system = ?) ORDER BY name, id`, source,
		func(rows *sql.Rows) error {
			var f Funnel
			if err := rows.Scan(&f.ID, &f.Key, &f.Name, &f.SourceSystem, &f.CreatedAt); err != nil {
				return err
			}
			snap.Funnels = append(snap.Funnels, f)
			return nil
		})
	if err != nil {
		return nil, eris.Wrap(err, "funnel: snapshot funnels")
	}

	err = each(ctx, s.q, `
		SELECT st.id, st.funnel_id, st.key, st.name, st.position
		FROM funnel_stages st JOIN funnels f ON f.id = st.funnel_id
		WHERE (? = '' OR f.source_system = ?) ORDER BY st.funnel_id, st.position, st.key`, source,
		func(rows *sql.Rows) error {
			var st Stage
			if err := rows.Scan(&st.ID, &st.FunnelID, &st.Key, &st.Name, &st.Position); err != nil {
				return err
			}
			snap.Stages = append(snap.Stages, st)
			return nil
		})
	if err != nil {
		return nil, eris.Wrap(err, "funnel: snapshot stages")
	}

	err = each(ctx, s.q, `
		SELECT e.id, e.lead_id, e.funnel_id, e.current_stage_id, e.status, e.source_system,
		       e.external_ref, e.first_seen_at, e.last_seen_at
		FROM funnel_entries e JOIN funnels f ON f.id = e.funnel_id
		WHERE (? = '' OR f.source_system = ?) ORDER BY e.first_seen_at, e.id`, source,
		func(rows *sql.Rows) error {
			var e Entry
			var stage sql.NullString
			var status string
			if err := rows.Scan(&e.ID, &e.LeadID, &e.FunnelID, &stage, &status, &e.SourceSystem,
				&e.ExternalRef, &e.FirstSeenAt, &e.LastSeenAt); err != nil {
				return err
			}
			e.CurrentStageID = stage.String
			e.Status = Status(status)
			snap.Entries = append(snap.Entries, e)
			return nil
		})
	if err != nil {
		return nil, eris.Wrap(err, "funnel: snapshot entries")
	}

	err = each(ctx, s.q, `
		SELECT t.id, t.entry_id, t.from_stage_id, t.to_stage_id, t.from_status, t.to_status, t.occurred_at, t.dedupe_key
		FROM funnel_transitions t
		JOIN funnel_entries e ON e.id = t.entry_id
		JOIN funnels f ON f.id = e.funnel_id
		WHERE (? = '' OR f.source_system = ?) ORDER BY t.occurred_at, t.id`, source,
		func(rows *sql.Rows) error {
			var t Transition
			var fromStage, toStage, fromStatus, toStatus sql.NullString
			if err := rows.Scan(&t.ID, &t.EntryID, &fromStage, &toStage, &fromStatus, &toStatus, &t.OccurredAt, &t.DedupeKey); err != nil {
				return err
			}
			t.FromStageID, t.ToStageID = fromStage.String, toStage.String
			t.FromStatus, t.ToStatus = Status(fromStatus.String), Status(toStatus.String)
			snap.Transitions = append(snap.Transitions, t)
			return nil
		})
	if err != nil {
		return nil, eris.Wrap(err, "funnel: snapshot transitions")
	}
	return snap, nil
}

// each binds source twice for the "(? = '' OR col = ?)" filter.
func each(ctx context.Context, q db.SQLQuerier, query, source string, fn func(rows *sql.Rows) error) error {
	rows, err := q.QueryContext(ctx, query, source, source)
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

func metaText(m map[string]any) any {
	if b := encodeMeta(m); b != nil {
		return string(b)
	}
	return nil
}
