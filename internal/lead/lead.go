// Package lead holds canonical lead identities: resolution of incoming
// identifiers to leads, merges, provenance and the lead detail projection.
package lead

import (
	"time"

	"github.com/sells-group/lead-funnel/internal/identity"
)

// Lead is the canonical identity record for a real-world contact.
type Lead struct {
	ID             string     `json:"id"`
	FullName       string     `json:"full_name,omitempty"`
	FirstContactAt *time.Time `json:"first_contact_at,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Identifier is a persisted email or phone owned by one lead.
type Identifier struct {
	ID              string        `json:"id"`
	LeadID          string        `json:"lead_id"`
	Type            identity.Kind `json:"type"`
	Value           string        `json:"value"`
	ValueNormalized string        `json:"value_normalized"`
	IsPrimary       bool          `json:"is_primary"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Source records where a lead was seen.
type Source struct {
	ID           string         `json:"id"`
	LeadID       string         `json:"lead_id"`
	SourceSystem string         `json:"source_system"`
	SourceRef    string         `json:"source_ref"`
	FirstSeenAt  time.Time      `json:"first_seen_at"`
	LastSeenAt   time.Time      `json:"last_seen_at"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// Tag is a lead tag with its catalog entry.
type Tag struct {
	TagID        string         `json:"tag_id"`
	Key          string         `json:"tag_key"`
	Name         string         `json:"tag_name"`
	Category     string         `json:"tag_category,omitempty"`
	SourceSystem string         `json:"source_system"`
	SourceRef    string         `json:"source_ref,omitempty"`
	FirstSeenAt  time.Time      `json:"first_seen_at"`
	LastSeenAt   time.Time      `json:"last_seen_at"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// Event is an idempotent domain event attached to a lead.
type Event struct {
	ID           string         `json:"id"`
	LeadID       string         `json:"lead_id"`
	EventType    string         `json:"event_type"`
	SourceSystem string         `json:"source_system"`
	OccurredAt   time.Time      `json:"occurred_at"`
	IngestedAt   time.Time      `json:"ingested_at"`
	DedupeKey    string         `json:"dedupe_key"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Event types emitted by ingestion.
const (
	EventContactImported = "contact.imported"
	EventTagAdded        = "tag.added"
	EventLeadMerged      = "lead.merged"
	EventSurveyImported  = "survey.imported"
)

// FunnelEntry is the lead detail view of a deal.
type FunnelEntry struct {
	ID               string         `json:"id"`
	FunnelID         string         `json:"funnel_id"`
	FunnelName       string         `json:"funnel_name"`
	CurrentStageID   string         `json:"current_stage_id,omitempty"`
	CurrentStageName string         `json:"current_stage_name,omitempty"`
	Status           string         `json:"status"`
	SourceSystem     string         `json:"source_system"`
	ExternalRef      string         `json:"external_ref"`
	FirstSeenAt      time.Time      `json:"first_seen_at"`
	LastSeenAt       time.Time      `json:"last_seen_at"`
	Meta             map[string]any `json:"meta,omitempty"`
}

// SurveySubmission is one form response linked to the lead.
type SurveySubmission struct {
	SubmissionID     string         `json:"submission_id"`
	FormSchemaID     string         `json:"form_schema_id"`
	FormName         string         `json:"form_name,omitempty"`
	FormSourceSystem string         `json:"form_source_system,omitempty"`
	SubmittedAt      *time.Time     `json:"submitted_at,omitempty"`
	SourceRef        string         `json:"source_ref,omitempty"`
	DedupeKey        string         `json:"dedupe_key,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	RawPayload       map[string]any `json:"raw_payload,omitempty"`
	Answers          []SurveyAnswer `json:"answers"`
}

// SurveyAnswer is a typed answer to a form question.
type SurveyAnswer struct {
	AnswerID         string   `json:"answer_id"`
	QuestionID       string   `json:"question_id"`
	QuestionKey      string   `json:"question_key,omitempty"`
	QuestionLabel    string   `json:"question_label,omitempty"`
	QuestionPosition int      `json:"question_position"`
	QuestionDataType string   `json:"question_data_type,omitempty"`
	ValueText        *string  `json:"value_text,omitempty"`
	ValueNumber      *float64 `json:"value_number,omitempty"`
	ValueBool        *bool    `json:"value_bool,omitempty"`
}

// Detail is the full read projection of a lead.
type Detail struct {
	Lead
	Identifiers   []Identifier       `json:"identifiers"`
	Sources       []Source           `json:"sources"`
	Tags          []Tag              `json:"tags"`
	Events        []Event            `json:"events"`
	FunnelEntries []FunnelEntry      `json:"funnel_entries"`
	Surveys       []SurveySubmission `json:"surveys"`
}
