// Package notion reads survey responses kept in a Notion database.
package notion

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/ingest"
	"github.com/sells-group/lead-funnel/pkg/notion"
)

// SurveySource exposes one Notion database as a survey feed: each page is a
// response and each property a column.
type SurveySource struct {
	client notion.Client
	dbID   string
	system string
	log    *zap.Logger
}

// NewSurveySource creates a survey source for database dbID. system names the
// source the responses are recorded under.
func NewSurveySource(client notion.Client, dbID, system string) *SurveySource {
	if system == "" {
		system = "notion"
	}
	return &SurveySource{
		client: client,
		dbID:   dbID,
		system: system,
		log:    zap.L().With(zap.String("component", "source.notion")),
	}
}

func (s *SurveySource) SourceSystem() string { return s.system }

// Survey loads the database schema and the pages edited after since.
func (s *SurveySource) Survey(ctx context.Context, since *time.Time) (*ingest.SurveyFeed, error) {
	if s.dbID == "" {
		return nil, eris.New("notion: survey database not configured")
	}
	db, err := s.client.GetDatabase(ctx, s.dbID)
	if err != nil {
		return nil, err
	}
	pages, err := notion.QueryEditedSince(ctx, s.client, s.dbID, since)
	if err != nil {
		return nil, err
	}

	feed := &ingest.SurveyFeed{
		Ref:     s.dbID,
		Name:    notion.PlainText(db.Title),
		Columns: notion.Columns(db),
	}
	if feed.Name == "" {
		feed.Name = s.dbID
	}
	for _, p := range pages {
		if p.Archived {
			continue
		}
		at := p.CreatedTime.UTC()
		if p.CreatedTime.IsZero() {
			at = p.LastEditedTime.UTC()
		}
		feed.Responses = append(feed.Responses, ingest.SurveyResponse{
			ID:          string(p.ID),
			SubmittedAt: &at,
			Values:      notion.PageValues(p),
		})
	}

	s.log.Info("survey loaded",
		zap.String("database", s.dbID),
		zap.Int("columns", len(feed.Columns)),
		zap.Int("responses", len(feed.Responses)),
	)
	return feed, nil
}
