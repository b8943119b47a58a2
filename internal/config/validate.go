package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/rotisserie/eris"
)

// Validation modes, one per command family.
const (
	ModeStore      = "store"
	ModeCRM        = "crm"
	ModeSalesforce = "salesforce"
	ModeNotion     = "notion"
	ModeServe      = "serve"
	ModeWorker     = "worker"
)

// Validate checks the settings a command needs before it touches any
// external system.
func (c *Config) Validate(mode string) error {
	var problems []string
	need := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	switch c.Store.Driver {
	case "postgres":
		need(c.Store.DatabaseURL != "", "store.database_url is required for the postgres driver")
	case "sqlite":
		need(c.Store.SQLitePath != "", "store.sqlite_path is required for the sqlite driver")
	default:
		problems = append(problems, "store.driver must be postgres or sqlite")
	}

	in := c.Ingest
	need(in.ContactChunkSize >= 1 && in.ContactChunkSize <= 500, "ingest.contact_chunk_size must be between 1 and 500")
	need(in.SpreadsheetChunkSize >= 1 && in.SpreadsheetChunkSize <= 1000, "ingest.spreadsheet_chunk_size must be between 1 and 1000")
	need(in.DealConcurrency >= 1 && in.DealConcurrency <= 200, "ingest.deal_concurrency must be between 1 and 200")
	need(in.MaxPages >= 1, "ingest.max_pages must be > 0")
	need(in.BreakerThreshold >= 1, "ingest.breaker_threshold must be > 0")

	switch mode {
	case ModeStore:
	case ModeCRM:
		need(c.CRM.BaseURL != "", "crm.base_url is required")
		need(c.CRM.Token != "", "crm.token is required")
	case ModeSalesforce:
		need(c.Salesforce.ClientID != "", "salesforce.client_id is required")
		need(c.Salesforce.Username != "", "salesforce.username is required")
		need(c.Salesforce.KeyPath != "", "salesforce.key_path is required")
	case ModeNotion:
		need(c.Notion.Token != "", "notion.token is required")
		need(c.Notion.SurveyDB != "", "notion.survey_db is required")
	case ModeServe:
		need(c.Server.Port > 0, "server.port must be > 0")
		if c.Monitoring.Enabled {
			need(c.Monitoring.WebhookURL != "", "monitoring.webhook_url is required when monitoring is enabled")
		}
	case ModeWorker:
		need(c.Temporal.HostPort != "", "temporal.host_port is required")
		need(c.Temporal.TaskQueue != "", "temporal.task_queue is required")
		need(c.CRM.Token != "", "crm.token is required")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
