package notion

import (
	"context"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// Walk pages through a database query, calling fn with each batch of
// results in order. base supplies the filter, sorts and page size; its cursor
// is ignored.
func Walk(ctx context.Context, c Client, dbID string, base *notionapi.DatabaseQueryRequest, fn func([]notionapi.Page) error) error {
	var cursor notionapi.Cursor
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "notion: walk")
		}
		req := &notionapi.DatabaseQueryRequest{StartCursor: cursor}
		if base != nil {
			req.Filter, req.Sorts, req.PageSize = base.Filter, base.Sorts, base.PageSize
		}
		resp, err := c.QueryDatabase(ctx, dbID, req)
		if err != nil {
			return eris.Wrapf(err, "notion: walk page %d", n)
		}
		if err := fn(resp.Results); err != nil {
			return err
		}
		if !resp.HasMore || resp.NextCursor == "" {
			return nil
		}
		cursor = resp.NextCursor
	}
}

// QueryAll collects every page matching base.
func QueryAll(ctx context.Context, c Client, dbID string, base *notionapi.DatabaseQueryRequest) ([]notionapi.Page, error) {
	var all []notionapi.Page
	err := Walk(ctx, c, dbID, base, func(batch []notionapi.Page) error {
		all = append(all, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// QueryEditedSince fetches the pages of a database in last-edited order.
// A nil since returns every page.
func QueryEditedSince(ctx context.Context, c Client, dbID string, since *time.Time) ([]notionapi.Page, error) {
	req := &notionapi.DatabaseQueryRequest{
		Sorts: []notionapi.SortObject{{
			Timestamp: notionapi.TimestampLastEdited,
			Direction: notionapi.SortOrderASC,
		}},
	}
	if since != nil {
		after := notionapi.Date(*since)
		req.Filter = notionapi.TimestampFilter{
			Timestamp:      notionapi.TimestampLastEdited,
			LastEditedTime: &notionapi.DateFilterCondition{After: &after},
		}
	}
	pages, err := QueryAll(ctx, c, dbID, req)
	if err != nil {
		return nil, eris.Wrap(err, "notion: query edited pages")
	}
	return pages, nil
}
