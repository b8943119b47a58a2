// Package funnel tracks deals through ordered funnel stages and keeps the
// append-only transition history analytics derive dwell time from.
package funnel

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a funnel entry.
type Status string

const (
	StatusOpen Status = "open"
	StatusWon  Status = "won"
	StatusLost Status = "lost"
)

// StatusFromSource maps a source status string. Anything other than WON or
// LOST is open.
func StatusFromSource(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "WON":
		return StatusWon
	case "LOST":
		return StatusLost
	default:
		return StatusOpen
	}
}

// PlaceholderPosition orders stages created lazily from deals after every
// catalogued stage.
const PlaceholderPosition = 999

const unknownRef = "unknown"

// FunnelKey is the synthetic catalog key for a source origin.
func FunnelKey(source, originID string) string {
	return source + "-origin-" + originID
}

// StageKey is the synthetic catalog key for a source stage.
func StageKey(source, stageID string) string {
	return source + "-stage-" + stageID
}

// FallbackFunnelKey is the catch-all funnel for deals without a known origin.
func FallbackFunnelKey(source string) string {
	return FunnelKey(source, unknownRef)
}

// FallbackStageKey is the stage deals land in when the catch-all funnel
// receives them without a stage.
func FallbackStageKey(source string) string {
	return StageKey(source, unknownRef)
}

// Funnel is an ordered pipeline of stages scoped to a source system.
type Funnel struct {
	ID           string    `json:"id"`
	Key          string    `json:"key"`
	Name         string    `json:"name"`
	SourceSystem string    `json:"source_system"`
	CreatedAt    time.Time `json:"created_at"`
}

// Stage is one ordered step of a funnel.
type Stage struct {
	ID       string `json:"id"`
	FunnelID string `json:"funnel_id"`
	Key      string `json:"key"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

// Entry is a deal: one lead's progress instance within a funnel. An empty
// CurrentStageID means no stage.
type Entry struct {
	ID             string         `json:"id"`
	LeadID         string         `json:"lead_id"`
	FunnelID       string         `json:"funnel_id"`
	CurrentStageID string         `json:"current_stage_id,omitempty"`
	Status         Status         `json:"status"`
	SourceSystem   string         `json:"source_system"`
	ExternalRef    string         `json:"external_ref"`
	FirstSeenAt    time.Time      `json:"first_seen_at"`
	LastSeenAt     time.Time      `json:"last_seen_at"`
	Meta           map[string]any `json:"meta,omitempty"`
}

// Transition is an immutable stage or status change of an entry. Stage
// transitions leave the status fields empty and vice versa; the "created"
// baseline sets ToStageID and ToStatus.
type Transition struct {
	ID          string    `json:"id"`
	EntryID     string    `json:"entry_id"`
	FromStageID string    `json:"from_stage_id,omitempty"`
	ToStageID   string    `json:"to_stage_id,omitempty"`
	FromStatus  Status    `json:"from_status,omitempty"`
	ToStatus    Status    `json:"to_status,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	DedupeKey   string    `json:"dedupe_key"`
}

// Snapshot is the read model analytics aggregates over.
type Snapshot struct {
	Funnels     []Funnel
	Stages      []Stage
	Entries     []Entry
	Transitions []Transition
}

// Deal is a validated deal-shaped source record.
type Deal struct {
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

// ExternalRef is the idempotency key of the deal within its source.
func (d Deal) ExternalRef() string {
	return "deal:" + d.ExternalID
}

// ChangedAt is when the deal last changed stage or status: the explicit stage
// timestamp, then the won or lost time, then now.
func (d Deal) ChangedAt(now time.Time) time.Time {
	for _, t := range []*time.Time{d.StageUpdatedAt, d.WonAt, d.LostAt} {
		if t != nil && !t.IsZero() {
			return t.UTC()
		}
	}
	return now.UTC()
}

// OpenedAt is when the deal was created, or now when the source omits it.
func (d Deal) OpenedAt(now time.Time) time.Time {
	if d.CreatedAt != nil && !d.CreatedAt.IsZero() {
		return d.CreatedAt.UTC()
	}
	return now.UTC()
}

func (d Deal) dedupePrefix() string {
	return d.SourceSystem + ":deal:" + d.ExternalID
}
