package funnel

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-funnel/internal/db"
	"github.com/sells-group/lead-funnel/internal/lead"
)

// PostgresStore implements Store using pgx.
type PostgresStore struct {
	pool db.Pool
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

func (s *PostgresStore) lookup(ctx context.Context, what, sql string, args ...any) (string, error) {
	var id string
	err := s.q.QueryRow(ctx, sql, args...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "funnel: %s", what)
	}
	return id, nil
}

// FunnelByAlias returns the funnel mapped to a source key.
func (s *PostgresStore) FunnelByAlias(ctx context.Context, source, sourceKey string) (string, error) {
	return s.lookup(ctx, "find alias",
		`SELECT funnel_id FROM funnel_aliases WHERE source_system = $1 AND source_key = $2`, source, sourceKey)
}

// FunnelByKey returns the funnel with the catalog key.
func (s *PostgresStore) FunnelByKey(ctx context.Context, key string) (string, error) {
	return s.lookup(ctx, "find funnel", `SELECT id FROM funnels WHERE key = $1`, key)
}

// UpsertFunnel inserts or renames a funnel.
func (s *PostgresStore) UpsertFunnel(ctx context.Context, f Funnel) (string, error) {
	var id string
	err := s.q.QueryRow(ctx, `
		INSERT INTO funnels (key, name, source_system, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`,
		f.Key, f.Name, f.SourceSystem, createdAt(f.CreatedAt),
	).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "funnel: upsert %s", f.Key)
	}
	return id, nil
}

// UpsertAlias maps a source key to a funnel.
func (s *PostgresStore) UpsertAlias(ctx context.Context, funnelID, source, sourceKey string) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO funnel_aliases (funnel_id, source_system, source_key) VALUES ($1, $2, $3)
		ON CONFLICT (source_system, source_key) DO UPDATE SET funnel_id = EXCLUDED.funnel_id`,
		funnelID, source, sourceKey,
	)
	if err != nil {
		return eris.Wrapf(err, "funnel: upsert alias %s/%s", source, sourceKey)
	}
	return nil
}

// StageByKey returns the stage id of (funnel, key).
func (s *PostgresStore) StageByKey(ctx context.Context, funnelID, key string) (string, error) {
	return s.lookup(ctx, "find stage",
		`SELECT id FROM funnel_stages WHERE funnel_id = $1 AND key = $2`, funnelID, key)
}

// UpsertStage inserts a stage, optionally replacing name and position.
func (s *PostgresStore) UpsertStage(ctx context.Context, st Stage, overwrite bool) (string, error) {
	onConflict := `DO UPDATE SET key = funnel_stages.key`
	if overwrite {
		onConflict = `DO UPDATE SET name = EXCLUDED.name, position = EXCLUDED.position`
	}
	var id string
	err := s.q.QueryRow(ctx, `
		INSERT INTO funnel_stages (funnel_id, key, name, position) VALUES ($1, $2, $3, $4)
		ON CONFLICT (funnel_id, key) `+onConflict+`
		RETURNING id`,
		st.FunnelID, st.Key, st.Name, st.Position,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "funnel: upsert stage %s", st.Key)
	}
	return id, nil
}

// GetFunnel returns the funnel or nil when it does not exist.
func (s *PostgresStore) GetFunnel(ctx context.Context, id string) (*Funnel, error) {
	var f Funnel
	err := s.q.QueryRow(ctx,
		`SELECT id, key, name, source_system, created_at FROM funnels WHERE id = $1`, id,
	).Scan(&f.ID, &f.Key, &f.Name, &f.SourceSystem, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "funnel: get %s", id)
	}
	return &f, nil
}

// LockEntry reads an entry by its source key with FOR UPDATE.
func (s *PostgresStore) LockEntry(ctx context.Context, source, externalRef string) (*Entry, error) {
	var e Entry
	var status string
	var meta []byte
	err := s.q.QueryRow(ctx, `
		SELECT id, lead_id, funnel_id, COALESCE(current_stage_id, ''), status, source_system, external_ref,
		       first_seen_at, last_seen_at, meta
		FROM funnel_entries WHERE source_system = $1 AND external_ref = $2
		FOR UPDATE`,
		source, externalRef,
	).Scan(&e.ID, &e.LeadID, &e.FunnelID, &e.CurrentStageID, &status, &e.SourceSystem, &e.ExternalRef,
		&e.FirstSeenAt, &e.LastSeenAt, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "funnel: lock entry %s", externalRef)
	}
	e.Status = Status(status)
	e.Meta = decodeMeta(meta)
	return &e, nil
}

// InsertEntry inserts an entry unless its source key exists.
func (s *PostgresStore) InsertEntry(ctx context.Context, e *Entry) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO funnel_entries (id, lead_id, funnel_id, current_stage_id, status, source_system, external_ref,
		                            first_seen_at, last_seen_at, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (source_system, external_ref) DO NOTHING`,
		e.ID, e.LeadID, e.FunnelID, nullable(e.CurrentStageID), string(e.Status), e.SourceSystem, e.ExternalRef,
		e.FirstSeenAt, e.LastSeenAt, encodeMeta(e.Meta),
	)
	if err != nil {
		return false, eris.Wrapf(err, "funnel: insert entry %s", e.ExternalRef)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateEntry writes the mutable columns of an entry.
func (s *PostgresStore) UpdateEntry(ctx context.Context, e *Entry) error {
	_, err := s.q.Exec(ctx, `
		UPDATE funnel_entries
		SET lead_id = $2, funnel_id = $3, current_stage_id = $4, status = $5, last_seen_at = $6, meta = $7
		WHERE id = $1`,
		e.ID, e.LeadID, e.FunnelID, nullable(e.CurrentStageID), string(e.Status), e.LastSeenAt, encodeMeta(e.Meta),
	)
	if err != nil {
		return eris.Wrapf(err, "funnel: update entry %s", e.ID)
	}
	return nil
}

// AppendTransitions inserts transitions, skipping known dedupe keys.
func (s *PostgresStore) AppendTransitions(ctx context.Context, ts []Transition) (int64, error) {
	var n int64
	for _, t := range ts {
		tag, err := s.q.Exec(ctx, `
			INSERT INTO funnel_transitions (entry_id, from_stage_id, to_stage_id, from_status, to_status, occurred_at, dedupe_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (dedupe_key) DO NOTHING`,
			t.EntryID, nullable(t.FromStageID), nullable(t.ToStageID),
			nullable(string(t.FromStatus)), nullable(string(t.ToStatus)), t.OccurredAt, t.DedupeKey,
		)
		if err != nil {
			return n, eris.Wrapf(err, "funnel: append transition %s", t.DedupeKey)
		}
		n += tag.RowsAffected()
	}
	return n, nil
}

// AppendEvents inserts lead events, skipping known dedupe keys.
func (s *PostgresStore) AppendEvents(ctx context.Context, events []lead.Event) (int64, error) {
	var n int64
	for _, e := range events {
		tag, err := s.q.Exec(ctx, `
			INSERT INTO lead_events (lead_id, event_type, source_system, occurred_at, ingested_at, dedupe_key, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (dedupe_key) DO NOTHING`,
			e.LeadID, e.EventType, e.SourceSystem, e.OccurredAt, createdAt(e.IngestedAt), e.DedupeKey, encodeMeta(e.Payload),
		)
		if err != nil {
			return n, eris.Wrapf(err, "funnel: append event %s", e.DedupeKey)
		}
		n += tag.RowsAffected()
	}
	return n, nil
}

// Snapshot reads funnels of source with their stages, entries and transitions.
func (s *PostgresStore) Snapshot(ctx context.Context, source string) (*Snapshot, error) {
	snap := &Snapshot{}
	var err error

	if snap.Funnels, err = collect(ctx, s.q, `
		SELECT id, key, name, source_system, created_at FROM funnels
		WHERE ($1::text = '' OR source_system = $1) ORDER BY name, id`, source,
		func(row pgx.CollectableRow) (Funnel, error) {
			var f Funnel
			err := row.Scan(&f.ID, &f.Key, &f.Name, &f.SourceSystem, &f.CreatedAt)
			return f, err
		}); err != nil {
		return nil, eris.Wrap(err, "funnel: snapshot funnels")
	}

	if snap.Stages, err = collect(ctx, s.q, `
		SELECT st.id, st.funnel_id, st.key, st.name, st.position
		FROM funnel_stages st JOIN funnels f ON f.id = st.funnel_id
		WHERE ($1::text = '' OR f.source_system = $1) ORDER BY st.funnel_id, st.position, st.key`, source,
		func(row pgx.CollectableRow) (Stage, error) {
			var st Stage
			err := row.Scan(&st.ID, &st.FunnelID, &st.Key, &st.Name, &st.Position)
			return st, err
		}); err != nil {
		return nil, eris.Wrap(err, "funnel: snapshot stages")
	}

	if snap.Entries, err = collect(ctx, s.q, `
		SELECT e.id, e.lead_id, e.funnel_id, COALESCE(e.current_stage_id, ''), e.status, e.source_system,
		       e.external_ref, e.first_seen_at, e.last_seen_at
		FROM funnel_entries e JOIN funnels f ON f.id = e.funnel_id
		WHERE ($1::text = '' OR f.source_system = $1) ORDER BY e.first_seen_at, e.id`, source,
		func(row pgx.CollectableRow) (Entry, error) {
			var e Entry
			var status string
			err := row.Scan(&e.ID, &e.LeadID, &e.FunnelID, &e.CurrentStageID, &status, &e.SourceSystem,
				&e.ExternalRef, &e.FirstSeenAt, &e.LastSeenAt)
			e.Status = Status(status)
			return e, err
		}); err != nil {
		return nil, eris.Wrap(err, "funnel: snapshot entries")
	}

	if snap.Transitions, err = collect(ctx, s.q, `
		SELECT t.id, t.entry_id, COALESCE(t.from_stage_id, ''), COALESCE(t.to_stage_id, ''),
		       COALESCE(t.from_status, ''), COALESCE(t.to_status, ''), t.occurred_at, t.dedupe_key
		FROM funnel_transitions t
		JOIN funnel_entries e ON e.id = t.entry_id
		JOIN funnels f ON f.id = e.funnel_id
		WHERE ($1::text = '' OR f.source_system = $1) ORDER BY t.occurred_at, t.id`, source,
		func(row pgx.CollectableRow) (Transition, error) {
			var t Transition
			var from, to string
			err := row.Scan(&t.ID, &t.EntryID, &t.FromStageID, &t.ToStageID, &from, &to, &t.OccurredAt, &t.DedupeKey)
			t.FromStatus, t.ToStatus = Status(from), Status(to)
			return t, err
		}); err != nil {
		return nil, eris.Wrap(err, "funnel: snapshot transitions")
	}
	return snap, nil
}

func collect[T any](ctx context.Context, q db.Querier, sql string, arg any, scan pgx.RowToFunc[T]) ([]T, error) {
	rows, err := q.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scan)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func encodeMeta(m map[string]any) []byte {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

func decodeMeta(b []byte) map[string]any {
	if len(b) == 0 {
		return nil
	}
	var m map[string]any
	if json.Unmarshal(b, &m) != nil {
		return nil
	}
	return m
}
