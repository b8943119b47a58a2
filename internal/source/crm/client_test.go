package crm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-funnel/internal/config"
	"github.com/sells-group/lead-funnel/internal/resilience"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.CRMConfig{Token: "tok-123"}, WithBaseURL(srv.URL+"/"))
}

func TestClient_PageSendsTokenAndPaging(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/contacts", r.URL.Path)
		assert.Equal(t, "tok-123", r.Header.Get("api-token"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "OPEN", r.URL.Query().Get("status"))
		_, _ = w.Write([]byte(`{"status":200,"page":2,"totalPages":3,"hasNext":true,"data":[{"id":1},{"id":2}]}`))
	})

	env, err := c.Page(context.Background(), "/contacts", map[string][]string{"status": {"OPEN"}}, 2, 50)
	require.NoError(t, err)
	assert.Len(t, env.Data, 2)
	assert.True(t, env.More())
}

func TestClient_CustomTokenHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.Header.Get("X-Token"))
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	c := NewClient(config.CRMConfig{Token: "tok", BaseURL: srv.URL}, WithTokenHeader("X-Token"))
	env, err := c.Page(context.Background(), "/tags", nil, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Page)
	assert.False(t, env.More())
}

func TestEnvelope_More(t *testing.T) {
	yes, no := true, false
	assert.True(t, (&Envelope{HasNext: &yes}).More())
	assert.False(t, (&Envelope{HasNext: &no, Page: 1, TotalPages: 5}).More())
	assert.True(t, (&Envelope{Page: 1, TotalPages: 2}).More())
	assert.False(t, (&Envelope{Page: 2, TotalPages: 2}).More())
	assert.False(t, (&Envelope{}).More())
}

func TestClient_PastEndOfStream(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusBadRequest} {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "no such page", status)
		})
		env, err := c.Page(context.Background(), "/deals", nil, 9, 200)
		require.NoError(t, err, "status %d", status)
		assert.Empty(t, env.Data)
		assert.False(t, env.More())
	}
}

func TestClient_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		fatal     bool
		transient bool
	}{
		{"unauthorized", http.StatusUnauthorized, true, false},
		{"forbidden", http.StatusForbidden, true, false},
		{"rate limited", http.StatusTooManyRequests, false, true},
		{"bad gateway", http.StatusBadGateway, false, true},
		{"unprocessable", http.StatusUnprocessableEntity, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			_, err := c.Page(context.Background(), "/contacts", nil, 1, 10)
			require.Error(t, err)
			assert.Equal(t, tt.fatal, resilience.IsFatal(err))
			assert.Equal(t, tt.transient, resilience.IsTransient(err))

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "/contacts", apiErr.Path)
		})
	}
}

func TestClient_MalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data": [`))
	})
	_, err := c.Page(context.Background(), "/contacts", nil, 1, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
	assert.False(t, resilience.IsFatal(err))
}

func TestClient_RateLimitHonorsContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	WithRateLimit(0.001)(c)

	_, err := c.Page(context.Background(), "/tags", nil, 1, 10)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Page(ctx, "/tags", nil, 2, 10)
	require.Error(t, err)
}
