package main

import (
	"context"
	"os"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-funnel/internal/config"
	"github.com/sells-group/lead-funnel/internal/ingest"
	"github.com/sells-group/lead-funnel/internal/metrics"
	"github.com/sells-group/lead-funnel/internal/source/crm"
	"github.com/sells-group/lead-funnel/internal/source/notion"
	sfsource "github.com/sells-group/lead-funnel/internal/source/salesforce"
	"github.com/sells-group/lead-funnel/internal/store"
	notionpkg "github.com/sells-group/lead-funnel/pkg/notion"
	sfpkg "github.com/sells-group/lead-funnel/pkg/salesforce"
)

// sfRateLimit keeps bulk syncs well under the org's API allowance.
const sfRateLimit = 10

func initBackend(ctx context.Context) (*store.Backend, error) {
	if err := cfg.Validate(config.ModeStore); err != nil {
		return nil, err
	}
	return store.Open(ctx, cfg.Store)
}

func newRunner(b *store.Backend, m *metrics.Ingest) *ingest.Runner {
	return ingest.NewRunner(cfg.Ingest, b.Leads, b.Funnels, b.Runs, m).WithSurveys(b.Surveys)
}

// newMetrics registers the ingestion collectors with the default registry.
func newMetrics() *metrics.Ingest {
	return metrics.NewIngest(prometheus.DefaultRegisterer)
}

func newCRMSource() *crm.Source {
	client := crm.NewClient(cfg.CRM)
	return crm.NewSource(client, cfg.CRM.SourceSystem, ingest.RetryConfigFrom(cfg.Ingest))
}

func initSalesforce() (sfpkg.Client, error) {
	if cfg.Salesforce.ClientID == "" {
		return nil, eris.New("salesforce client ID is required (LEADFUNNEL_SALESFORCE_CLIENT_ID)")
	}

	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}

	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         cfg.Salesforce.LoginURL,
		Username:       cfg.Salesforce.Username,
		ConsumerKey:    cfg.Salesforce.ClientID,
		ConsumerRSAPem: string(pemData),
	})
	if err != nil {
		return nil, eris.Wrap(err, "init salesforce")
	}

	return sfpkg.NewClient(sf, sfpkg.WithRateLimit(sfRateLimit)), nil
}

func newSalesforceSource() (*sfsource.Source, error) {
	c, err := initSalesforce()
	if err != nil {
		return nil, err
	}
	return sfsource.NewSource(c, cfg.Salesforce.SourceSystem, ingest.RetryConfigFrom(cfg.Ingest)), nil
}

func newNotionSurvey() *notion.SurveySource {
	client := notionpkg.NewClient(cfg.Notion.Token)
	return notion.NewSurveySource(client, cfg.Notion.SurveyDB, cfg.Notion.SourceSystem)
}
