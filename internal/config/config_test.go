package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Ingest.ContactChunkSize)
	assert.Equal(t, 100, cfg.Ingest.SpreadsheetChunkSize)
	assert.Equal(t, 50, cfg.Ingest.DealConcurrency)
	assert.Equal(t, 200, cfg.Ingest.DealPageSize)
	assert.Equal(t, 1000, cfg.Ingest.MaxPages)
	assert.Equal(t, 3, cfg.Ingest.EmptyPageRetries)
	assert.Equal(t, time.Second, cfg.Ingest.EmptyPageDelay())
	assert.Equal(t, 3, cfg.Ingest.BreakerThreshold)
	assert.Equal(t, "clint", cfg.CRM.SourceSystem)
	assert.InDelta(t, 5.0, cfg.CRM.RateLimit, 0.001)
	assert.Equal(t, "https://login.salesforce.com", cfg.Salesforce.LoginURL)
	assert.Equal(t, "lead-funnel", cfg.Temporal.TaskQueue)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
  format: console
server:
  port: 9090
ingest:
  contact_chunk_size: 10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Ingest.ContactChunkSize)
	// Defaults still apply for unset values
	assert.Equal(t, 1000, cfg.Ingest.MaxPages)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("LEADFUNNEL_STORE_DRIVER", "postgres")
	t.Setenv("LEADFUNNEL_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	env := "LEADFUNNEL_CRM_TOKEN=from-dotenv\nLEADFUNNEL_SPREADSHEET_FTP_PASSWORD=s3cret\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0644))
	t.Cleanup(func() {
		os.Unsetenv("LEADFUNNEL_CRM_TOKEN")                //nolint:errcheck
		os.Unsetenv("LEADFUNNEL_SPREADSHEET_FTP_PASSWORD") //nolint:errcheck
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.CRM.Token)
	assert.Equal(t, "s3cret", cfg.Spreadsheet.FTP.Password)
}

func TestLoadEnvOnlyKeys(t *testing.T) {
	chdirTemp(t)
	t.Setenv("LEADFUNNEL_STORE_DATABASE_URL", "postgres://lf@db/leads")
	t.Setenv("LEADFUNNEL_CRM_TOKEN", "crm-token")
	t.Setenv("LEADFUNNEL_SALESFORCE_CLIENT_ID", "sf-client")
	t.Setenv("LEADFUNNEL_SALESFORCE_USERNAME", "ops@example.com")
	t.Setenv("LEADFUNNEL_SALESFORCE_KEY_PATH", "/keys/sf.pem")
	t.Setenv("LEADFUNNEL_NOTION_TOKEN", "secret_abc")
	t.Setenv("LEADFUNNEL_NOTION_SURVEY_DB", "db-1")
	t.Setenv("LEADFUNNEL_SPREADSHEET_FTP_USER", "drops")
	t.Setenv("LEADFUNNEL_SPREADSHEET_S3_ENDPOINT", "http://minio:9000")
	t.Setenv("LEADFUNNEL_MONITORING_WEBHOOK_URL", "https://hooks.example.com/lf")
	t.Setenv("LEADFUNNEL_MONITORING_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://lf@db/leads", cfg.Store.DatabaseURL)
	assert.Equal(t, "crm-token", cfg.CRM.Token)
	assert.Equal(t, "sf-client", cfg.Salesforce.ClientID)
	assert.Equal(t, "ops@example.com", cfg.Salesforce.Username)
	assert.Equal(t, "/keys/sf.pem", cfg.Salesforce.KeyPath)
	assert.Equal(t, "secret_abc", cfg.Notion.Token)
	assert.Equal(t, "db-1", cfg.Notion.SurveyDB)
	assert.Equal(t, "drops", cfg.Spreadsheet.FTP.User)
	assert.Equal(t, "http://minio:9000", cfg.Spreadsheet.S3.Endpoint)
	assert.Equal(t, "https://hooks.example.com/lf", cfg.Monitoring.WebhookURL)
	assert.True(t, cfg.Monitoring.Enabled)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("LEADFUNNEL_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "test.db"
	cfg.Ingest = IngestConfig{
		ContactChunkSize: 50, SpreadsheetChunkSize: 100, DealConcurrency: 50,
		MaxPages: 1000, BreakerThreshold: 3,
	}
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateStore(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate(ModeStore))

	cfg.Store.Driver = "postgres"
	err := cfg.Validate(ModeStore)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.Driver = "mysql"
	err = cfg.Validate(ModeStore)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
}

func TestValidateCRM_MissingToken(t *testing.T) {
	cfg := validDefaults()
	cfg.CRM.BaseURL = "https://crm.example"

	err := cfg.Validate(ModeCRM)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crm.token is required")

	cfg.CRM.Token = "tok"
	assert.NoError(t, cfg.Validate(ModeCRM))
}

func TestValidateNotion(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate(ModeNotion)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notion.token is required")
	assert.Contains(t, err.Error(), "notion.survey_db is required")
}

func TestValidateServe(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate(ModeServe))

	cfg.Server.Port = 0
	err := cfg.Validate(ModeServe)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	cfg.Server.Port = 8080
	cfg.Monitoring.Enabled = true
	err = cfg.Validate(ModeServe)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring.webhook_url")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateIngestBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Ingest.ContactChunkSize = 0
	err := cfg.Validate(ModeStore)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contact_chunk_size must be between 1 and 500")

	cfg.Ingest.ContactChunkSize = 50
	cfg.Ingest.DealConcurrency = 201
	err = cfg.Validate(ModeStore)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deal_concurrency")

	cfg.Ingest.DealConcurrency = 200
	assert.NoError(t, cfg.Validate(ModeStore))
}
