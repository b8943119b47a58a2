package notion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// pagedDB serves results in fixed batches keyed by cursor.
type pagedDB struct {
	batches [][]notionapi.Page
	failAt  int
	cursors []notionapi.Cursor
}

func (p *pagedDB) GetDatabase(context.Context, string) (*notionapi.Database, error) {
	return &notionapi.Database{}, nil
}

func (p *pagedDB) QueryDatabase(_ context.Context, _ string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	p.cursors = append(p.cursors, req.StartCursor)
	i := len(p.cursors) - 1
	if p.failAt > 0 && i+1 == p.failAt {
		return nil, errors.New("rate_limited")
	}
	resp := &notionapi.DatabaseQueryResponse{Results: p.batches[i]}
	if i+1 < len(p.batches) {
		resp.HasMore = true
		resp.NextCursor = notionapi.Cursor("c" + string(rune('1'+i)))
	}
	return resp, nil
}

func TestQueryAll(t *testing.T) {
	db := &pagedDB{batches: [][]notionapi.Page{{{ID: "p1"}, {ID: "p2"}}, {{ID: "p3"}}, {}}}

	pages, err := QueryAll(context.Background(), db, "db-1", &notionapi.DatabaseQueryRequest{PageSize: 2})
	require.NoError(t, err)
	ids := make([]notionapi.ObjectID, 0, len(pages))
	for _, p := range pages {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []notionapi.ObjectID{"p1", "p2", "p3"}, ids)
	assert.Equal(t, []notionapi.Cursor{"", "c1", "c2"}, db.cursors)
}

func TestQueryAll_PageError(t *testing.T) {
	db := &pagedDB{batches: [][]notionapi.Page{{{ID: "p1"}}, {{ID: "p2"}}}, failAt: 2}

	pages, err := QueryAll(context.Background(), db, "db-1", nil)
	assert.ErrorContains(t, err, "notion: walk page 2")
	assert.Nil(t, pages)
}

func TestWalk_StopsOnCallbackError(t *testing.T) {
	db := &pagedDB{batches: [][]notionapi.Page{{{ID: "p1"}}, {{ID: "p2"}}}}
	stop := errors.New("enough")

	err := Walk(context.Background(), db, "db-1", nil, func([]notionapi.Page) error { return stop })
	assert.ErrorIs(t, err, stop)
	assert.Len(t, db.cursors, 1)
}

func TestWalk_ContextCancelled(t *testing.T) {
	mc := new(MockClient)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pages, err := QueryAll(ctx, mc, "db-1", nil)
	assert.Error(t, err)
	assert.Nil(t, pages)
	mc.AssertNotCalled(t, "QueryDatabase")
}

func TestQueryEditedSince(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mc.On("QueryDatabase", ctx, "db-1", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		tf, ok := req.Filter.(notionapi.TimestampFilter)
		if !ok || tf.LastEditedTime == nil || tf.LastEditedTime.After == nil {
			return false
		}
		return time.Time(*tf.LastEditedTime.After).Equal(since) &&
			len(req.Sorts) == 1 && req.Sorts[0].Timestamp == notionapi.TimestampLastEdited
	})).Return(&notionapi.DatabaseQueryResponse{Results: []notionapi.Page{{ID: "p9"}}}, nil).Once()

	pages, err := QueryEditedSince(ctx, mc, "db-1", &since)
	assert.NoError(t, err)
	assert.Len(t, pages, 1)
	mc.AssertExpectations(t)
}

func TestQueryEditedSince_All(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-1", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		return req.Filter == nil
	})).Return(nil, assert.AnError).Once()

	_, err := QueryEditedSince(ctx, mc, "db-1", nil)
	assert.ErrorContains(t, err, "notion: query edited pages")
	mc.AssertExpectations(t)
}
