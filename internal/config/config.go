package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Ingest      IngestConfig      `yaml:"ingest" mapstructure:"ingest"`
	CRM         CRMConfig         `yaml:"crm" mapstructure:"crm"`
	Salesforce  SalesforceConfig  `yaml:"salesforce" mapstructure:"salesforce"`
	Notion      NotionConfig      `yaml:"notion" mapstructure:"notion"`
	Spreadsheet SpreadsheetConfig `yaml:"spreadsheet" mapstructure:"spreadsheet"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Temporal    TemporalConfig    `yaml:"temporal" mapstructure:"temporal"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// IngestConfig tunes chunking, concurrency, paging and failure handling of
// ingestion runs.
type IngestConfig struct {
	ContactChunkSize     int `yaml:"contact_chunk_size" mapstructure:"contact_chunk_size"`
	SpreadsheetChunkSize int `yaml:"spreadsheet_chunk_size" mapstructure:"spreadsheet_chunk_size"`
	DealConcurrency      int `yaml:"deal_concurrency" mapstructure:"deal_concurrency"`
	PageSize             int `yaml:"page_size" mapstructure:"page_size"`
	DealPageSize         int `yaml:"deal_page_size" mapstructure:"deal_page_size"`
	MaxPages             int `yaml:"max_pages" mapstructure:"max_pages"`
	EmptyPageRetries     int `yaml:"empty_page_retries" mapstructure:"empty_page_retries"`
	EmptyPageDelayMS     int `yaml:"empty_page_delay_ms" mapstructure:"empty_page_delay_ms"`
	BreakerThreshold     int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	RetryAttempts        int `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryInitialMS       int `yaml:"retry_initial_ms" mapstructure:"retry_initial_ms"`
	RetryMaxMS           int `yaml:"retry_max_ms" mapstructure:"retry_max_ms"`
}

// EmptyPageDelay is the base delay between empty page retries.
func (c IngestConfig) EmptyPageDelay() time.Duration {
	return time.Duration(c.EmptyPageDelayMS) * time.Millisecond
}

// CRMConfig holds the marketing CRM API settings.
type CRMConfig struct {
	SourceSystem string  `yaml:"source_system" mapstructure:"source_system"`
	BaseURL      string  `yaml:"base_url" mapstructure:"base_url"`
	Token        string  `yaml:"token" mapstructure:"token"`
	RateLimit    float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	SourceSystem string `yaml:"source_system" mapstructure:"source_system"`
	ClientID     string `yaml:"client_id" mapstructure:"client_id"`
	Username     string `yaml:"username" mapstructure:"username"`
	KeyPath      string `yaml:"key_path" mapstructure:"key_path"`
	LoginURL     string `yaml:"login_url" mapstructure:"login_url"`
}

// NotionConfig holds Notion API credentials and the survey database.
type NotionConfig struct {
	SourceSystem string `yaml:"source_system" mapstructure:"source_system"`
	Token        string `yaml:"token" mapstructure:"token"`
	SurveyDB     string `yaml:"survey_db" mapstructure:"survey_db"`
}

// SpreadsheetConfig configures spreadsheet imports and remote drops.
type SpreadsheetConfig struct {
	SourceSystem string    `yaml:"source_system" mapstructure:"source_system"`
	FTP          FTPConfig `yaml:"ftp" mapstructure:"ftp"`
	S3           S3Config  `yaml:"s3" mapstructure:"s3"`
}

// FTPConfig holds FTP credentials for ftp:// imports.
type FTPConfig struct {
	User        string `yaml:"user" mapstructure:"user"`
	Password    string `yaml:"password" mapstructure:"password"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// S3Config configures s3:// imports. Credentials come from the default AWS
// chain.
type S3Config struct {
	Region   string `yaml:"region" mapstructure:"region"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
}

// ServerConfig configures the read API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures critical alert checks.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	IntervalMinutes      int     `yaml:"interval_minutes" mapstructure:"interval_minutes"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
}

// TemporalConfig configures scheduled sync runs.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
	Cron      string `yaml:"cron" mapstructure:"cron"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// envOnlyKeys are usually supplied by the environment or .env: credentials,
// endpoints and identifiers.
var envOnlyKeys = []string{
	"store.database_url",
	"crm.token",
	"salesforce.client_id",
	"salesforce.username",
	"salesforce.key_path",
	"notion.token",
	"notion.survey_db",
	"spreadsheet.ftp.user",
	"spreadsheet.ftp.password",
	"spreadsheet.s3.endpoint",
	"monitoring.webhook_url",
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// .env is optional; values already in the environment win.
	if err := godotenv.Load(); err != nil && !isNotExist(err) {
		return nil, eris.Wrap(err, "config: read .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADFUNNEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without a useful default still need one so that AutomaticEnv
	// picks them up from LEADFUNNEL_* variables.
	for _, key := range envOnlyKeys {
		v.SetDefault(key, "")
	}
	v.SetDefault("monitoring.enabled", false)

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "lead-funnel.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("ingest.contact_chunk_size", 50)
	v.SetDefault("ingest.spreadsheet_chunk_size", 100)
	v.SetDefault("ingest.deal_concurrency", 50)
	v.SetDefault("ingest.page_size", 200)
	v.SetDefault("ingest.deal_page_size", 200)
	v.SetDefault("ingest.max_pages", 1000)
	v.SetDefault("ingest.empty_page_retries", 3)
	v.SetDefault("ingest.empty_page_delay_ms", 1000)
	v.SetDefault("ingest.breaker_threshold", 3)
	v.SetDefault("ingest.retry_attempts", 3)
	v.SetDefault("ingest.retry_initial_ms", 50)
	v.SetDefault("ingest.retry_max_ms", 1000)
	v.SetDefault("crm.source_system", "clint")
	v.SetDefault("crm.base_url", "https://api.clint.digital/v1")
	v.SetDefault("crm.rate_limit", 5)
	v.SetDefault("crm.timeout_secs", 30)
	v.SetDefault("salesforce.source_system", "salesforce")
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("notion.source_system", "notion")
	v.SetDefault("spreadsheet.source_system", "spreadsheet")
	v.SetDefault("spreadsheet.ftp.timeout_secs", 30)
	v.SetDefault("spreadsheet.s3.region", "us-east-1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.interval_minutes", 60)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "lead-funnel")
	v.SetDefault("temporal.cron", "0 */6 * * *")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
