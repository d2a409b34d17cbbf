package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Database     DatabaseConfig     `yaml:"database" mapstructure:"database"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Chatwoot     ChatwootConfig     `yaml:"chatwoot" mapstructure:"chatwoot"`
	Waha         WahaConfig         `yaml:"waha" mapstructure:"waha"`
	OpenAI       OpenAIConfig       `yaml:"openai" mapstructure:"openai"`
	CRM          CRMConfig          `yaml:"crm" mapstructure:"crm"`
	Salesforce   SalesforceConfig   `yaml:"salesforce" mapstructure:"salesforce"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane" mapstructure:"control_plane"`
	Internal     InternalConfig     `yaml:"internal" mapstructure:"internal"`
	Security     SecurityConfig     `yaml:"security" mapstructure:"security"`
	WhatsApp     WhatsAppConfig     `yaml:"whatsapp" mapstructure:"whatsapp"`
	Telegram     TelegramConfig     `yaml:"telegram" mapstructure:"telegram"`
	Workers      WorkerConfig       `yaml:"workers" mapstructure:"workers"`
	Delivery     DeliveryConfig     `yaml:"delivery" mapstructure:"delivery"`
	Tracing      TracingConfig      `yaml:"tracing" mapstructure:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port                int     `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	MaxBodyBytes        int64   `yaml:"max_body_bytes" mapstructure:"max_body_bytes" validate:"min=1024"`
	ShutdownTimeoutSecs int     `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs" validate:"min=1"`
	InternalRatePerSec  float64 `yaml:"internal_rate_per_sec" mapstructure:"internal_rate_per_sec" validate:"gt=0"`
	InternalBurst       int     `yaml:"internal_burst" mapstructure:"internal_burst" validate:"min=1"`
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	URL      string `yaml:"url" mapstructure:"url" validate:"required"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns" validate:"min=1"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns" validate:"min=0,ltefield=MaxConns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// ChatwootConfig holds the conversation platform credentials.
type ChatwootConfig struct {
	BaseURL       string `yaml:"base_url" mapstructure:"base_url" validate:"omitempty,url"`
	APIToken      string `yaml:"api_token" mapstructure:"api_token"`
	WebhookSecret string `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	HistoryLimit  int    `yaml:"history_limit" mapstructure:"history_limit" validate:"min=0"`
}

// Enabled reports whether the Chatwoot adapter can talk to the API.
func (c ChatwootConfig) Enabled() bool {
	return c.BaseURL != "" && c.APIToken != ""
}

// WahaConfig holds the WAHA session gateway settings.
type WahaConfig struct {
	APIURL       string `yaml:"api_url" mapstructure:"api_url" validate:"omitempty,url"`
	APIKey       string `yaml:"api_key" mapstructure:"api_key"`
	HistoryLimit int    `yaml:"history_limit" mapstructure:"history_limit" validate:"min=0"`
}

// Enabled reports whether the WAHA adapter is configured.
func (c WahaConfig) Enabled() bool {
	return c.APIURL != "" && c.APIKey != ""
}

// OpenAIConfig holds reply generation settings.
type OpenAIConfig struct {
	APIKey             string `yaml:"api_key" mapstructure:"api_key" validate:"required"`
	BaseURL            string `yaml:"base_url" mapstructure:"base_url" validate:"omitempty,url"`
	DefaultModel       string `yaml:"default_model" mapstructure:"default_model" validate:"required"`
	VisionModel        string `yaml:"vision_model" mapstructure:"vision_model" validate:"required"`
	TranscriptionModel string `yaml:"transcription_model" mapstructure:"transcription_model" validate:"required"`
	Language           string `yaml:"language" mapstructure:"language"`
	MaxTokens          int    `yaml:"max_tokens" mapstructure:"max_tokens" validate:"min=1"`
	TimeoutSecs        int    `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"min=1"`
}

// CRMConfig selects and configures the CRM lead sink.
type CRMConfig struct {
	Provider string `yaml:"provider" mapstructure:"provider" validate:"omitempty,oneof=http salesforce"`
	BaseURL  string `yaml:"base_url" mapstructure:"base_url" validate:"omitempty,url"`
	APIKey   string `yaml:"api_key" mapstructure:"api_key"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	ClientID   string `yaml:"client_id" mapstructure:"client_id"`
	Username   string `yaml:"username" mapstructure:"username"`
	KeyPath    string `yaml:"key_path" mapstructure:"key_path"`
	LoginURL   string `yaml:"login_url" mapstructure:"login_url"`
	LeadSource string `yaml:"lead_source" mapstructure:"lead_source"`
}

// ControlPlaneConfig points at the dashboard service that emails tenant owners.
type ControlPlaneConfig struct {
	URL            string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	InternalSecret string `yaml:"internal_secret" mapstructure:"internal_secret"`
}

// InternalConfig guards the /internal API.
type InternalConfig struct {
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
}

// SecurityConfig holds the key used to decrypt channel credentials: 32
// bytes, base64 encoded, shared with the control plane.
type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key" mapstructure:"encryption_key" validate:"omitempty,base64"`
}

// WhatsAppConfig configures native whatsmeow sessions.
type WhatsAppConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	DevicesDir string `yaml:"devices_dir" mapstructure:"devices_dir"`
}

// TelegramConfig configures Telegram bot polling.
type TelegramConfig struct {
	Enabled     bool `yaml:"enabled" mapstructure:"enabled"`
	PollTimeout int  `yaml:"poll_timeout" mapstructure:"poll_timeout" validate:"min=1"`
}

// WorkerConfig sizes the background job pool.
type WorkerConfig struct {
	Count          int `yaml:"count" mapstructure:"count" validate:"min=1"`
	QueueSize      int `yaml:"queue_size" mapstructure:"queue_size" validate:"min=1"`
	JobTimeoutSecs int `yaml:"job_timeout_secs" mapstructure:"job_timeout_secs" validate:"min=1"`
}

// DeliveryConfig controls outbound retries and throttling.
type DeliveryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts" validate:"min=1"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms" validate:"min=1"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms" validate:"gtefield=InitialBackoffMs"`
	RatePerSec       float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec" validate:"gt=0"`
	Burst            int     `yaml:"burst" mapstructure:"burst" validate:"min=1"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
	Insecure    bool   `yaml:"insecure" mapstructure:"insecure"`
}

// Load reads configuration from config.yaml (optional) and environment
// variables. Keys map to env names by upper-casing and replacing dots, so
// chatwoot.base_url is read from CHATWOOT_BASE_URL.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Names used by existing deployments.
	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("database.url", "DATABASE_URL", "CONTROL_PLANE_DB_URL")
	_ = v.BindEnv("control_plane.internal_secret", "CONTROL_PLANE_INTERNAL_SECRET", "INTERNAL_SECRET")
	_ = v.BindEnv("crm.base_url", "CRM_BASE_URL")
	_ = v.BindEnv("crm.api_key", "CRM_API_KEY")
	_ = v.BindEnv("security.encryption_key", "SECURITY_ENCRYPTION_KEY", "ENCRYPTION_KEY")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	// An HTTP CRM with a base URL but no explicit provider keeps working.
	if cfg.CRM.Provider == "" && cfg.CRM.BaseURL != "" && cfg.CRM.APIKey != "" {
		cfg.CRM.Provider = "http"
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.max_body_bytes", 10<<20)
	v.SetDefault("server.shutdown_timeout_secs", 15)
	v.SetDefault("server.internal_rate_per_sec", 5.0)
	v.SetDefault("server.internal_burst", 10)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("chatwoot.base_url", "")
	v.SetDefault("chatwoot.api_token", "")
	v.SetDefault("chatwoot.webhook_secret", "")
	v.SetDefault("chatwoot.history_limit", 10)
	v.SetDefault("waha.api_url", "")
	v.SetDefault("waha.api_key", "")
	v.SetDefault("waha.history_limit", 10)
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.default_model", "gpt-4o-mini")
	v.SetDefault("openai.vision_model", "gpt-4.1-mini")
	v.SetDefault("openai.transcription_model", "whisper-1")
	v.SetDefault("openai.language", "es")
	v.SetDefault("openai.max_tokens", 400)
	v.SetDefault("openai.timeout_secs", 60)
	v.SetDefault("crm.provider", "")
	v.SetDefault("crm.base_url", "")
	v.SetDefault("crm.api_key", "")
	v.SetDefault("salesforce.client_id", "")
	v.SetDefault("salesforce.username", "")
	v.SetDefault("salesforce.key_path", "")
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.lead_source", "WhatsApp")
	v.SetDefault("control_plane.url", "")
	v.SetDefault("control_plane.internal_secret", "")
	v.SetDefault("internal.jwt_secret", "")
	v.SetDefault("security.encryption_key", "")
	v.SetDefault("whatsapp.enabled", false)
	v.SetDefault("whatsapp.devices_dir", "./data/devices")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.poll_timeout", 60)
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.queue_size", 256)
	v.SetDefault("workers.job_timeout_secs", 30)
	v.SetDefault("delivery.max_attempts", 3)
	v.SetDefault("delivery.initial_backoff_ms", 1000)
	v.SetDefault("delivery.max_backoff_ms", 8000)
	v.SetDefault("delivery.rate_per_sec", 1.0)
	v.SetDefault("delivery.burst", 3)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "ai-bot")
	v.SetDefault("tracing.insecure", true)
}

// Validate checks struct tags plus the cross-section rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return eris.Wrap(err, "config: validate")
	}
	switch cfg.CRM.Provider {
	case "http":
		if cfg.CRM.BaseURL == "" || cfg.CRM.APIKey == "" {
			return eris.New("config: crm.provider=http requires crm.base_url and crm.api_key")
		}
	case "salesforce":
		if cfg.Salesforce.ClientID == "" || cfg.Salesforce.Username == "" || cfg.Salesforce.KeyPath == "" {
			return eris.New("config: crm.provider=salesforce requires salesforce.client_id, username and key_path")
		}
	}
	if cfg.Telegram.Enabled && cfg.Security.EncryptionKey == "" {
		return eris.New("config: telegram.enabled requires security.encryption_key")
	}
	return nil
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
