package notion

import (
	"context"
	"errors"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// MockClient implements Client for testing.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) GetDatabase(ctx context.Context, dbID string) (*notionapi.Database, error) {
	args := m.Called(ctx, dbID)
	db, _ := args.Get(0).(*notionapi.Database)
	return db, args.Error(1)
}

func (m *MockClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	args := m.Called(ctx, dbID, req)
	resp, _ := args.Get(0).(*notionapi.DatabaseQueryResponse)
	return resp, args.Error(1)
}

func TestNewClient_RateLimit(t *testing.T) {
	c := NewClient("tok").(*apiClient)
	require.NotNil(t, c.limiter)
	assert.Equal(t, rate.Limit(DefaultRPS), c.limiter.Limit())

	assert.Nil(t, NewClient("tok", WithRateLimit(0)).(*apiClient).limiter)

	c = NewClient("tok", WithRateLimit(10)).(*apiClient)
	require.NotNil(t, c.limiter)
	assert.Equal(t, 10, c.limiter.Burst())
}

func TestClient_RateLimitCancelled(t *testing.T) {
	c := NewClient("tok", WithRateLimit(0.001)).(*apiClient)
	c.limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.QueryDatabase(ctx, "db-1", &notionapi.DatabaseQueryRequest{})
	assert.ErrorContains(t, err, "notion: rate limit")
	_, err = c.GetDatabase(ctx, "db-1")
	assert.ErrorContains(t, err, "notion: rate limit")
}

func TestThrottled(t *testing.T) {
	ctx := context.Background()

	n, err := throttled(ctx, nil, "count", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = throttled(ctx, rate.NewLimiter(rate.Inf, 1), "get database db-9", func() (int, error) {
		return 1, errors.New("object_not_found")
	})
	assert.ErrorContains(t, err, "notion: get database db-9")
	assert.ErrorContains(t, err, "object_not_found")
}
