package lead

import (
	"context"
	"time"

	"github.com/sells-group/lead-funnel/internal/identity"
)

// Owner is an identifier row together with the lead that owns it.
type Owner struct {
	Kind       identity.Kind
	Normalized string
	LeadID     string
}

// SourceLink records that a lead was seen in a source record.
type SourceLink struct {
	LeadID       string
	SourceSystem string
	SourceRef    string
	SeenAt       time.Time
	Meta         map[string]any
}

// TagLink attaches a catalog tag to a lead. Unknown tag keys are created.
type TagLink struct {
	LeadID       string
	TagKey       string
	TagName      string
	Category     string
	SourceSystem string
	SourceRef    string
	SeenAt       time.Time
	Meta         map[string]any
}

// TagDef is a catalog tag as published by a source.
type TagDef struct {
	Key      string
	Name     string
	Category string
}

// Batch is a chunk's worth of provenance, tag and event writes.
type Batch struct {
	Sources []SourceLink
	Tags    []TagLink
	Events  []Event
}

// Empty reports whether the batch has nothing to write.
func (b Batch) Empty() bool {
	return len(b.Sources) == 0 && len(b.Tags) == 0 && len(b.Events) == 0
}

// Remap rewrites lead ids that were absorbed by a merge while the batch was
// being assembled.
func (b *Batch) Remap(merged map[string]string) {
	if len(merged) == 0 {
		return
	}
	resolve := func(id string) string {
		for i := 0; i < len(merged); i++ {
			next, ok := merged[id]
			if !ok {
				break
			}
			id = next
		}
		return id
	}
	for i := range b.Sources {
		b.Sources[i].LeadID = resolve(b.Sources[i].LeadID)
	}
	for i := range b.Tags {
		b.Tags[i].LeadID = resolve(b.Tags[i].LeadID)
	}
	for i := range b.Events {
		b.Events[i].LeadID = resolve(b.Events[i].LeadID)
	}
}

// BatchResult counts rows inserted or refreshed by WriteBatch.
type BatchResult struct {
	Sources    int64
	TagsLinked int64
	Events     int64
}

// SearchQuery looks a lead up by any of its attributes. Email and phone are
// normalized before lookup; name is matched by similarity.
type SearchQuery struct {
	Email string
	Phone string
	Name  string
}

// Store persists leads. Implementations: PostgresStore, SQLiteStore.
type Store interface {
	// WithTx runs fn against a transaction-scoped store. Nested calls reuse
	// the outer transaction.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// Resolution primitives
	FindOwners(ctx context.Context, ids []identity.Identifier) ([]Owner, error)
	FindLeadByIdentifier(ctx context.Context, kind identity.Kind, normalized string) (string, error)
	CreateLead(ctx context.Context, l *Lead) error
	GetLead(ctx context.Context, id string) (*Lead, error)
	UpdateLead(ctx context.Context, l *Lead) error
	// AttachIdentifier inserts the identifier for leadID. It returns false
	// without error when the identifier is already owned.
	AttachIdentifier(ctx context.Context, leadID string, id identity.Identifier, primary bool) (bool, error)
	// MergeLeads moves every row owned by the absorbed leads to target and
	// deletes the absorbed leads.
	MergeLeads(ctx context.Context, target string, absorbed []string) error

	// Batched provenance writes
	WriteBatch(ctx context.Context, b Batch) (BatchResult, error)
	// UpsertTags creates or renames catalog tags and returns how many were
	// written.
	UpsertTags(ctx context.Context, tags []TagDef) (int, error)

	// Read side
	GetDetail(ctx context.Context, id string) (*Detail, error)
	FindByName(ctx context.Context, name string, limit int) ([]Lead, error)
	CountLeads(ctx context.Context) (int, error)
}

func tagLinks(tags []TagDef) []TagLink {
	links := make([]TagLink, 0, len(tags))
	for _, t := range tags {
		if t.Key == "" {
			continue
		}
		links = append(links, TagLink{TagKey: t.Key, TagName: t.Name, Category: t.Category})
	}
	return links
}
