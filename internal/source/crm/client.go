// Package crm reads contacts, deals and the tag and pipeline catalog from the
// marketing CRM's REST API.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/lead-funnel/internal/config"
	"github.com/sells-group/lead-funnel/internal/resilience"
)

const (
	defaultBaseURL = "https://api.clint.digital/v1"
	defaultHeader  = "api-token"
	defaultLimit   = 200
)

// Envelope is the paging wrapper around every list response.
type Envelope struct {
	Status      int               `json:"status"`
	TotalCount  int               `json:"totalCount"`
	Page        int               `json:"page"`
	TotalPages  int               `json:"totalPages"`
	HasNext     *bool             `json:"hasNext"`
	HasPrevious bool              `json:"hasPrevious"`
	Data        []json.RawMessage `json:"data"`
}

// More reports whether another page follows. Servers that omit hasNext are
// judged by totalPages.
func (e *Envelope) More() bool {
	if e.HasNext != nil {
		return *e.HasNext
	}
	return e.Page > 0 && e.Page < e.TotalPages
}

// APIError is returned when the CRM responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crm: HTTP %d on %s: %s", e.StatusCode, e.Path, e.Body)
}

// EndOfStream reports whether the status means the requested page does not
// exist. The API answers 404 or 400 past the last page.
func (e *APIError) EndOfStream() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusBadRequest
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTokenHeader changes the header that carries the API token.
func WithTokenHeader(h string) Option {
	return func(c *Client) { c.header = h }
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// Client is a rate-limited HTTP client for the CRM API.
type Client struct {
	token   string
	header  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewClient builds a client from cfg. Options override the config.
func NewClient(cfg config.CRMConfig, opts ...Option) *Client {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	c := &Client{
		token:   cfg.Token,
		header:  defaultHeader,
		baseURL: strings.TrimRight(base, "/"),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: zap.L().With(zap.String("component", "crm.client")),
	}
	WithRateLimit(cfg.RateLimit)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Page fetches one page of a list endpoint. A page past the end of the
// stream comes back as an empty envelope with no next page.
func (c *Client) Page(ctx context.Context, path string, query url.Values, page, limit int) (*Envelope, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var env Envelope
	err := c.get(ctx, path, q, &env)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.EndOfStream() {
		c.log.Debug("page past end of stream",
			zap.String("path", path),
			zap.Int("page", page),
			zap.Int("status", apiErr.StatusCode),
		)
		no := false
		return &Envelope{Page: page, HasNext: &no}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "crm: get %s page %d", path, page)
	}
	if env.Page == 0 {
		env.Page = page
	}
	return &env, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "rate limit wait")
		}
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(c.header, c.token)

	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, path string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return eris.Wrap(ctxErr, "execute request")
		}
		return resilience.NewTransientError(eris.Wrap(err, "execute request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "read response body"), resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Path: path, Body: truncate(string(data), 512)}
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return resilience.NewFatalError(apiErr)
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return resilience.NewTransientError(apiErr, resp.StatusCode)
		default:
			return apiErr
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
