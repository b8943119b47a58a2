// Package notion reads survey databases through the Notion API.
package notion

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// DefaultRPS is the documented average request rate Notion allows per
// integration.
const DefaultRPS = 3

// Client is the subset of the Notion API the survey sync needs.
type Client interface {
	GetDatabase(ctx context.Context, dbID string) (*notionapi.Database, error)
	QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
}

// ClientOption configures NewClient.
type ClientOption func(*apiClient)

// WithRateLimit replaces the DefaultRPS throttle. rps <= 0 disables throttling.
func WithRateLimit(rps float64) ClientOption {
	return func(c *apiClient) {
		c.limiter = nil
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

type apiClient struct {
	api     *notionapi.Client
	limiter *rate.Limiter
}

// NewClient authenticates with an integration token.
func NewClient(token string, opts ...ClientOption) Client {
	c := &apiClient{
		api:     notionapi.NewClient(notionapi.Token(token)),
		limiter: rate.NewLimiter(DefaultRPS, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// throttled waits for the limiter and then runs call, wrapping its error with op.
func throttled[T any](ctx context.Context, l *rate.Limiter, op string, call func() (T, error)) (T, error) {
	var zero T
	if l != nil {
		if err := l.Wait(ctx); err != nil {
			return zero, eris.Wrap(err, "notion: rate limit")
		}
	}
	out, err := call()
	if err != nil {
		return zero, eris.Wrapf(err, "notion: %s", op)
	}
	return out, nil
}

func (c *apiClient) GetDatabase(ctx context.Context, dbID string) (*notionapi.Database, error) {
	return throttled(ctx, c.limiter, "get database "+dbID, func() (*notionapi.Database, error) {
		return c.api.Database.Get(ctx, notionapi.DatabaseID(dbID))
	})
}

func (c *apiClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	return throttled(ctx, c.limiter, "query database "+dbID, func() (*notionapi.DatabaseQueryResponse, error) {
		return c.api.Database.Query(ctx, notionapi.DatabaseID(dbID), req)
	})
}
