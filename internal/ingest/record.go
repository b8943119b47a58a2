// Package ingest turns source records into leads, tag links, events and
// funnel entries. Adapters decode their payloads into typed records; every
// record is validated before it reaches the resolver or the tracker.
package ingest

import (
	"strings"
	"time"

	"github.com/sells-group/lead-funnel/internal/funnel"
	"github.com/sells-group/lead-funnel/internal/identity"
)

// Tag is a tag reference carried by a source record.
type Tag struct {
	Key      string
	Name     string
	Category string
}

// ContactRecord is a contact-shaped source record. SourceRef overrides the
// default "contact:<id>" provenance reference.
type ContactRecord struct {
	SourceSystem string
	ExternalID   string
	SourceRef    string
	Emails       []string
	Phones       []string
	Name         string
	Tags         []Tag
	CreatedAt    *time.Time
	UpdatedAt    *time.Time
	Meta         map[string]any
}

// DealRecord is a deal-shaped source record.
type DealRecord struct {
	SourceSystem   string
	ExternalID     string
	Email          string
	Phone          string
	OriginID       string
	StageID        string
	Status         string
	CreatedAt      *time.Time
	StageUpdatedAt *time.Time
	WonAt          *time.Time
	LostAt         *time.Time
	Meta           map[string]any
}

// Deal converts the record into the tracker's input.
func (r DealRecord) Deal() funnel.Deal {
	return funnel.Deal{
		SourceSystem:   r.SourceSystem,
		ExternalID:     strings.TrimSpace(r.ExternalID),
		Email:          r.Email,
		Phone:          r.Phone,
		OriginID:       strings.TrimSpace(r.OriginID),
		StageID:        strings.TrimSpace(r.StageID),
		Status:         r.Status,
		CreatedAt:      r.CreatedAt,
		StageUpdatedAt: r.StageUpdatedAt,
		WonAt:          r.WonAt,
		LostAt:         r.LostAt,
		Meta:           r.Meta,
	}
}

// SpreadsheetRow is one data row of an imported file. Row is the 1-based
// sheet row number.
type SpreadsheetRow struct {
	Row    int
	Email  string
	Name   string
	Phone  string
	Values map[string]string
}

// Mapper extracts contact fields from a raw source payload.
type Mapper[R any] interface {
	ExternalID(raw R) string
	PickEmail(raw R) []string
	PickPhone(raw R) []string
	PickName(raw R) string
	PickTags(raw R) []Tag
	Timestamps(raw R) (created, updated *time.Time)
}

// MapContact builds a contact record from raw with m.
func MapContact[R any](source string, m Mapper[R], raw R, meta map[string]any) ContactRecord {
	created, updated := m.Timestamps(raw)
	return ContactRecord{
		SourceSystem: source,
		ExternalID:   strings.TrimSpace(m.ExternalID(raw)),
		Emails:       m.PickEmail(raw),
		Phones:       m.PickPhone(raw),
		Name:         m.PickName(raw),
		Tags:         m.PickTags(raw),
		CreatedAt:    created,
		UpdatedAt:    updated,
		Meta:         meta,
	}
}

// ValidContact is a contact with at least one usable identifier, a cleaned
// name and normalized, unique tag keys.
type ValidContact struct {
	ContactRecord
	Identifiers []identity.Identifier
}

// Validate normalizes rec. It returns false when the record carries no usable
// email or phone. A record without an external id is keyed by its primary
// identifier.
func Validate(rec ContactRecord) (ValidContact, bool) {
	ids := identity.Collect(rec.Emails, rec.Phones)
	if len(ids) == 0 {
		return ValidContact{}, false
	}
	if rec.ExternalID == "" {
		rec.ExternalID = ids[0].Key()
	}
	rec.Name = identity.ChooseBetterName("", rec.Name)
	rec.Tags = uniqueTags(rec.Tags)
	return ValidContact{ContactRecord: rec, Identifiers: ids}, true
}

// Email is the primary email of the contact, if any.
func (c ValidContact) Email() string {
	for _, id := range c.Identifiers {
		if id.Kind == identity.KindEmail {
			return id.Normalized
		}
	}
	return ""
}

func uniqueTags(tags []Tag) []Tag {
	seen := make(map[string]bool, len(tags))
	out := make([]Tag, 0, len(tags))
	for _, t := range tags {
		key := TagKey(t.Key)
		if key == "" {
			key = TagKey(t.Name)
		}
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		name := strings.TrimSpace(t.Name)
		if name == "" {
			name = strings.TrimSpace(t.Key)
		}
		out = append(out, Tag{Key: key, Name: name, Category: t.Category})
	}
	return out
}

// TagKey normalizes a raw tag key or name.
func TagKey(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ContactRef is the provenance reference of a source contact.
func ContactRef(id string) string {
	return "contact:" + id
}

// Ref is the provenance reference of the record.
func (r ContactRecord) Ref() string {
	if r.SourceRef != "" {
		return r.SourceRef
	}
	return ContactRef(r.ExternalID)
}

// ContactDedupeKey is the idempotency key of a contact.imported event.
func ContactDedupeKey(source, id string) string {
	return source + ":contact:" + id
}

// TagDedupeKey is the idempotency key of a tag.added event.
func TagDedupeKey(source, contactID, tagKey string) string {
	return source + ":tag:" + contactID + ":" + TagKey(tagKey)
}
