// Package salesforce provides JWT-authenticated, read-only REST API access to
// Salesforce contacts and opportunities.
package salesforce

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client defines the Salesforce API operations used by the funnel sync.
type Client interface {
	Query(ctx context.Context, soql string, out any) error
	DescribeSObject(ctx context.Context, name string) (*SObjectDescription, error)
}

// PicklistValue is one option of a picklist field.
type PicklistValue struct {
	Value  string `json:"value"`
	Label  string `json:"label"`
	Active bool   `json:"active"`
}

// SObjectField describes a single field on a Salesforce SObject.
type SObjectField struct {
	Name           string          `json:"name"`
	Label          string          `json:"label"`
	Type           string          `json:"type"`
	Length         int             `json:"length"`
	PicklistValues []PicklistValue `json:"picklistValues"`
}

// SObjectDescription holds metadata about a Salesforce SObject.
type SObjectDescription struct {
	Name   string         `json:"name"`
	Label  string         `json:"label"`
	Fields []SObjectField `json:"fields"`
}

// Field returns the named field, or nil.
func (d *SObjectDescription) Field(name string) *SObjectField {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			return &d.Fields[i]
		}
	}
	return nil
}

// ClientOption configures the Salesforce client.
type ClientOption func(*orgClient)

// WithRateLimit caps API calls per second. Fractional rates get a burst of 1.
func WithRateLimit(rps float64) ClientOption {
	return func(c *orgClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// orgClient talks to one org through go-salesforce. That library takes no
// context, so ctx only bounds the limiter wait. Describe results are cached
// for the life of the client.
type orgClient struct {
	sf      *salesforce.Salesforce
	limiter *rate.Limiter

	mu        sync.Mutex
	described map[string]*SObjectDescription
}

// NewClient wraps an authenticated go-salesforce instance.
func NewClient(sf *salesforce.Salesforce, opts ...ClientOption) Client {
	c := &orgClient{sf: sf, described: make(map[string]*SObjectDescription)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *orgClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "sf: rate limit")
	}
	return nil
}

func (c *orgClient) Query(ctx context.Context, soql string, out any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if err := c.sf.Query(soql, out); err != nil {
		return eris.Wrap(err, "sf: query")
	}
	return nil
}

func (c *orgClient) DescribeSObject(ctx context.Context, name string) (*SObjectDescription, error) {
	c.mu.Lock()
	cached, ok := c.described[name]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.sf.DoRequest(http.MethodGet, "/sobjects/"+name+"/describe", nil)
	if err != nil {
		return nil, eris.Wrapf(err, "sf: describe %s", name)
	}
	defer resp.Body.Close() //nolint:errcheck

	desc := &SObjectDescription{}
	if err := json.NewDecoder(resp.Body).Decode(desc); err != nil {
		return nil, eris.Wrapf(err, "sf: decode describe %s", name)
	}

	c.mu.Lock()
	c.described[name] = desc
	c.mu.Unlock()
	return desc, nil
}
