package crm

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/lead-funnel/internal/funnel"
	"github.com/sells-group/lead-funnel/internal/ingest"
)

// flexString decodes a JSON string or number as text.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// Contact is a CRM contact payload. Emails, phones and tags arrive either as
// plain strings or as objects, so they stay raw until picked.
type Contact struct {
	ID        flexString        `json:"id"`
	Name      string            `json:"name"`
	FullName  string            `json:"full_name"`
	FirstName string            `json:"first_name"`
	LastName  string            `json:"last_name"`
	Email     string            `json:"email"`
	Emails    []json.RawMessage `json:"emails"`
	Phone     flexString        `json:"phone"`
	Mobile    flexString        `json:"mobile"`
	Phones    []json.RawMessage `json:"phones"`
	Tags      []json.RawMessage `json:"tags"`
	Tag       json.RawMessage   `json:"tag"`
	TagIDs    []json.RawMessage `json:"tag_ids"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
}

// ContactMapper extracts ingest fields from CRM contacts.
type ContactMapper struct{}

var _ ingest.Mapper[Contact] = ContactMapper{}

func (ContactMapper) ExternalID(c Contact) string { return string(c.ID) }

// PickEmail prefers the primary email field, then the first entry of emails.
func (ContactMapper) PickEmail(c Contact) []string {
	if e := strings.TrimSpace(c.Email); e != "" {
		return []string{e}
	}
	for _, raw := range c.Emails {
		if e := textOrField(raw, "email", "address", "value"); e != "" {
			return []string{e}
		}
	}
	return nil
}

// PickPhone prefers phone, then mobile, then the first entry of phones.
func (ContactMapper) PickPhone(c Contact) []string {
	for _, p := range []flexString{c.Phone, c.Mobile} {
		if p != "" {
			return []string{string(p)}
		}
	}
	for _, raw := range c.Phones {
		if p := textOrField(raw, "phone", "number", "value"); p != "" {
			return []string{p}
		}
	}
	return nil
}

func (ContactMapper) PickName(c Contact) string {
	for _, n := range []string{c.Name, c.FullName} {
		if n = strings.TrimSpace(n); n != "" {
			return n
		}
	}
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}

// PickTags reads tags, then tag, then tag_ids. Keys are normalized later by
// the ingester.
func (ContactMapper) PickTags(c Contact) []ingest.Tag {
	raws := c.Tags
	if len(raws) == 0 && len(c.Tag) > 0 && !bytes.Equal(bytes.TrimSpace(c.Tag), []byte("null")) {
		raws = []json.RawMessage{c.Tag}
	}
	if len(raws) == 0 {
		raws = c.TagIDs
	}
	var out []ingest.Tag
	for _, raw := range raws {
		if t, ok := decodeTag(raw); ok {
			out = append(out, t)
		}
	}
	return out
}

func (ContactMapper) Timestamps(c Contact) (created, updated *time.Time) {
	return parseTime(c.CreatedAt), parseTime(c.UpdatedAt)
}

type tagPayload struct {
	ID    flexString `json:"id"`
	Name  string     `json:"name"`
	Key   string     `json:"key"`
	Title string     `json:"title"`
}

// decodeTag accepts a bare tag name or an object carrying name, key or
// title.
func decodeTag(raw json.RawMessage) (ingest.Tag, bool) {
	var s flexString
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return ingest.Tag{}, false
		}
		return ingest.Tag{Key: string(s), Name: string(s)}, true
	}
	var p tagPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ingest.Tag{}, false
	}
	key := firstNonEmpty(p.Name, p.Key, p.Title)
	if key == "" {
		return ingest.Tag{}, false
	}
	return ingest.Tag{Key: key, Name: firstNonEmpty(p.Name, p.Title, p.Key)}, true
}

// Deal is a CRM deal payload.
type Deal struct {
	ID             flexString `json:"id"`
	OriginID       flexString `json:"origin_id"`
	OriginIDCamel  flexString `json:"originId"`
	StageID        flexString `json:"stage_id"`
	StageIDCamel   flexString `json:"stageId"`
	Status         string     `json:"status"`
	CreatedAt      string     `json:"created_at"`
	UpdatedStageAt string     `json:"updated_stage_at"`
	WonAt          string     `json:"won_at"`
	LostAt         string     `json:"lost_at"`
	Contact        *struct {
		Email string     `json:"email"`
		Phone flexString `json:"phone"`
	} `json:"contact"`
}

// Record converts the payload into an ingest deal record.
func (d Deal) Record(source string) ingest.DealRecord {
	rec := ingest.DealRecord{
		SourceSystem:   source,
		ExternalID:     string(d.ID),
		OriginID:       firstNonEmpty(string(d.OriginID), string(d.OriginIDCamel)),
		StageID:        firstNonEmpty(string(d.StageID), string(d.StageIDCamel)),
		Status:         strings.ToUpper(strings.TrimSpace(d.Status)),
		CreatedAt:      parseTime(d.CreatedAt),
		StageUpdatedAt: parseTime(d.UpdatedStageAt),
		WonAt:          parseTime(d.WonAt),
		LostAt:         parseTime(d.LostAt),
	}
	if d.Contact != nil {
		rec.Email = strings.TrimSpace(d.Contact.Email)
		rec.Phone = string(d.Contact.Phone)
	}
	return rec
}

type originPayload struct {
	ID     flexString `json:"id"`
	Name   string     `json:"name"`
	Title  string     `json:"title"`
	Stages []struct {
		ID    flexString `json:"id"`
		Label string     `json:"label"`
		Name  string     `json:"name"`
		Order flexString `json:"order"`
	} `json:"stages"`
}

// decodeOrigin maps a pipeline payload onto a funnel origin. Stages without
// an id are dropped.
func decodeOrigin(raw json.RawMessage) (funnel.Origin, bool) {
	var p originPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		return funnel.Origin{}, false
	}
	o := funnel.Origin{
		ID:   string(p.ID),
		Name: firstNonEmpty(p.Name, p.Title, string(p.ID)),
	}
	for _, s := range p.Stages {
		if s.ID == "" {
			continue
		}
		pos, _ := strconv.Atoi(string(s.Order))
		o.Stages = append(o.Stages, funnel.StageDef{
			ID:       string(s.ID),
			Name:     firstNonEmpty(s.Label, s.Name),
			Position: pos,
		})
	}
	return o, true
}

// textOrField returns raw as text when it is a JSON string, otherwise the
// first non-empty field of the object among keys.
func textOrField(raw json.RawMessage, keys ...string) string {
	var s flexString
	if err := json.Unmarshal(raw, &s); err == nil {
		return string(s)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	for _, k := range keys {
		var v flexString
		if f, ok := obj[k]; ok && json.Unmarshal(f, &v) == nil && v != "" {
			return string(v)
		}
	}
	return ""
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
