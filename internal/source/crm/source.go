package crm

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/funnel"
	"github.com/sells-group/lead-funnel/internal/ingest"
	"github.com/sells-group/lead-funnel/internal/resilience"
)

// catalogMaxPages bounds the tag and origin listings.
const catalogMaxPages = 100

// Source adapts the CRM API to the ingest source interfaces.
type Source struct {
	client *Client
	system string
	retry  resilience.RetryConfig
	mapper ContactMapper
	log    *zap.Logger
}

var (
	_ ingest.ContactSource = (*Source)(nil)
	_ ingest.DealSource    = (*Source)(nil)
	_ ingest.CatalogSource = (*Source)(nil)
)

// NewSource wraps c. The retry policy applies to catalog listings; paged
// streams are retried by the ingest pager.
func NewSource(c *Client, system string, retry resilience.RetryConfig) *Source {
	if system == "" {
		system = "crm"
	}
	return &Source{
		client: c,
		system: system,
		retry:  retry,
		log:    zap.L().With(zap.String("component", "crm.source"), zap.String("source", system)),
	}
}

// SourceSystem returns the source system name stamped on every record.
func (s *Source) SourceSystem() string { return s.system }

// Contacts returns one page of contacts.
func (s *Source) Contacts(ctx context.Context, page, size int) ([]ingest.ContactRecord, bool, error) {
	env, err := s.client.Page(ctx, "/contacts", nil, page, size)
	if err != nil {
		return nil, false, err
	}
	out := make([]ingest.ContactRecord, 0, len(env.Data))
	for i, raw := range env.Data {
		var c Contact
		if err := json.Unmarshal(raw, &c); err != nil {
			s.log.Warn("skipping undecodable contact",
				zap.Int("page", page), zap.Int("index", i), zap.Error(err))
			continue
		}
		out = append(out, ingest.MapContact(s.system, s.mapper, c, nil))
	}
	return out, env.More(), nil
}

// Deals returns one page of deals with the given status.
func (s *Source) Deals(ctx context.Context, status string, page, size int) ([]ingest.DealRecord, bool, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	env, err := s.client.Page(ctx, "/deals", q, page, size)
	if err != nil {
		return nil, false, err
	}
	out := make([]ingest.DealRecord, 0, len(env.Data))
	for i, raw := range env.Data {
		var d Deal
		if err := json.Unmarshal(raw, &d); err != nil {
			s.log.Warn("skipping undecodable deal",
				zap.String("status", status), zap.Int("page", page), zap.Int("index", i), zap.Error(err))
			continue
		}
		rec := d.Record(s.system)
		if rec.Status == "" {
			rec.Status = status
		}
		out = append(out, rec)
	}
	return out, env.More(), nil
}

// Tags lists the tag catalog.
func (s *Source) Tags(ctx context.Context) ([]ingest.Tag, error) {
	raws, err := s.listAll(ctx, "/tags")
	if err != nil {
		return nil, eris.Wrap(err, "crm: list tags")
	}
	out := make([]ingest.Tag, 0, len(raws))
	for _, raw := range raws {
		if t, ok := decodeTag(raw); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// Origins lists the pipelines with their stages.
func (s *Source) Origins(ctx context.Context) ([]funnel.Origin, error) {
	raws, err := s.listAll(ctx, "/origins")
	if err != nil {
		return nil, eris.Wrap(err, "crm: list origins")
	}
	out := make([]funnel.Origin, 0, len(raws))
	for _, raw := range raws {
		if o, ok := decodeOrigin(raw); ok {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *Source) listAll(ctx context.Context, path string) ([]json.RawMessage, error) {
	var all []json.RawMessage
	for page := 1; page <= catalogMaxPages; page++ {
		rc := s.retry
		rc.OnRetry = resilience.RetryLogger(s.system, path)
		env, err := resilience.DoVal(ctx, rc, func(ctx context.Context) (*Envelope, error) {
			return s.client.Page(ctx, path, nil, page, defaultLimit)
		})
		if err != nil {
			return nil, err
		}
		all = append(all, env.Data...)
		if !env.More() || len(env.Data) == 0 {
			return all, nil
		}
	}
	s.log.Warn("catalog listing hit page cap", zap.String("path", path), zap.Int("pages", catalogMaxPages))
	return all, nil
}
