package lead

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-funnel/internal/identity"
)

// ErrEmptyQuery is returned when a search names no attribute.
var ErrEmptyQuery = eris.New("lead: search needs an email, phone or name")

// Match is a search hit. Score is 1 for identifier matches and the name
// similarity otherwise.
type Match struct {
	Lead  Lead    `json:"lead"`
	Score float64 `json:"score"`
}

// Search looks up leads by email, then phone, then name. Identifier lookups
// use the same normalization as ingestion and return at most one lead; name
// lookups are ranked by similarity.
func Search(ctx context.Context, store Store, q SearchQuery, limit int) ([]Match, error) {
	if q.Email == "" && q.Phone == "" && q.Name == "" {
		return nil, ErrEmptyQuery
	}

	var ids []identity.Identifier
	if id, ok := identity.Email(q.Email); ok {
		ids = append(ids, id)
	}
	if id, ok := identity.Phone(q.Phone); ok {
		ids = append(ids, id)
	}
	for _, id := range ids {
		leadID, err := store.FindLeadByIdentifier(ctx, id.Kind, id.Normalized)
		if err != nil {
			return nil, err
		}
		if leadID == "" {
			continue
		}
		l, err := store.GetLead(ctx, leadID)
		if err != nil {
			return nil, err
		}
		if l != nil {
			return []Match{{Lead: *l, Score: 1}}, nil
		}
	}

	if q.Name == "" {
		return []Match{}, nil
	}
	leads, err := store.FindByName(ctx, q.Name, limit)
	if err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(leads))
	for _, l := range leads {
		matches = append(matches, Match{Lead: l, Score: identity.NamesSimilarity(q.Name, l.FullName)})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches, nil
}
