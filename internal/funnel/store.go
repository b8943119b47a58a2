package funnel

import (
	"context"

	"github.com/sells-group/lead-funnel/internal/lead"
)

// Store persists the funnel catalog, entries and transitions.
// Implementations: PostgresStore, SQLiteStore.
type Store interface {
	// WithTx runs fn against a transaction-scoped store. Nested calls reuse
	// the outer transaction.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// Catalog. Lookups return "" when nothing matches.
	FunnelByAlias(ctx context.Context, source, sourceKey string) (string, error)
	FunnelByKey(ctx context.Context, key string) (string, error)
	// UpsertFunnel inserts or renames the funnel with f.Key and returns its id.
	UpsertFunnel(ctx context.Context, f Funnel) (string, error)
	UpsertAlias(ctx context.Context, funnelID, source, sourceKey string) error
	StageByKey(ctx context.Context, funnelID, key string) (string, error)
	// UpsertStage returns the id of the stage (funnel, key). With overwrite
	// the name and position of an existing stage are replaced; otherwise an
	// existing stage is left untouched.
	UpsertStage(ctx context.Context, s Stage, overwrite bool) (string, error)
	GetFunnel(ctx context.Context, id string) (*Funnel, error)

	// Entries. LockEntry returns nil when the entry does not exist; on
	// Postgres the row stays locked until the transaction ends.
	LockEntry(ctx context.Context, source, externalRef string) (*Entry, error)
	// InsertEntry returns false when an entry with the same
	// (source, external ref) already exists.
	InsertEntry(ctx context.Context, e *Entry) (bool, error)
	UpdateEntry(ctx context.Context, e *Entry) error
	// AppendTransitions inserts transitions, skipping known dedupe keys, and
	// returns how many were written.
	AppendTransitions(ctx context.Context, ts []Transition) (int64, error)
	// AppendEvents inserts lead events, skipping known dedupe keys. Inside
	// WithTx it shares the transaction with the entry and its transitions.
	AppendEvents(ctx context.Context, events []lead.Event) (int64, error)

	// Snapshot reads funnels of source (all when empty) with their stages,
	// entries and transitions.
	Snapshot(ctx context.Context, source string) (*Snapshot, error)
}
