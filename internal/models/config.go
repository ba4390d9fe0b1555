package models

import "time"

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	WhatsApp   WhatsAppConfig   `json:"whatsapp"`
	Backend    BackendConfig    `json:"backend"`
	Automation AutomationConfig `json:"automation"`
	Campaign   CampaignConfig   `json:"campaign"`
	Tenant     TenantConfig     `json:"tenant"`
	Retry      RetryConfig      `json:"retry"`
	Tracing    TracingConfig    `json:"tracing"`
	LogLevel   string           `json:"log_level"`
}

type ServerConfig struct {
	Port            int    `json:"port"`
	ReadTimeoutSec  int    `json:"readTimeoutSec"`
	WriteTimeoutSec int    `json:"writeTimeoutSec"`
	IdleTimeoutSec  int    `json:"idleTimeoutSec"`
	WebhookSecret   string `json:"webhook_secret"`
	VerifyToken     string `json:"verify_token"`
}

// DatabaseConfig selects the store. Driver is "sqlite3" (Path) or "pgx" (DSN).
type DatabaseConfig struct {
	Driver           string `json:"driver"`
	Path             string `json:"path"`
	DSN              string `json:"dsn"`
	EncryptionSecret string `json:"-"`
}

// WhatsAppConfig configures the WhatsApp Cloud API sender
type WhatsAppConfig struct {
	APIBaseURL    string `json:"api_base_url"`
	APIVersion    string `json:"api_version"`
	PhoneNumberID string `json:"phone_number_id"`
	AccessToken   string `json:"-"`
	TimeoutSec    int    `json:"timeoutSec"`
}

// BackendConfig configures the CRM backend that owns templates and contacts
type BackendConfig struct {
	BaseURL    string `json:"base_url"`
	AuthToken  string `json:"-"`
	TimeoutSec int    `json:"timeoutSec"`
}

type AutomationConfig struct {
	Workers              int `json:"workers"`
	QueueSize            int `json:"queueSize"`
	MessagingWindowHours int `json:"messagingWindowHours"`
	DueSendIntervalSec   int `json:"dueSendIntervalSec"`
	DueSendBatchSize     int `json:"dueSendBatchSize"`
}

func (c AutomationConfig) MessagingWindow() time.Duration {
	return time.Duration(c.MessagingWindowHours) * time.Hour
}

type CampaignConfig struct {
	SendTimeoutSec       int          `json:"sendTimeoutSec"`
	SchedulerIntervalSec int          `json:"schedulerIntervalSec"`
	MonitorIntervalSec   int          `json:"monitorIntervalSec"`
	StaleThresholdMin    int          `json:"staleThresholdMin"`
	Pacing               PacingConfig `json:"pacing"`
}

func (c CampaignConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSec) * time.Second
}

// PacingConfig is the minimum gap between sends for each sending speed
type PacingConfig struct {
	SlowMs   int `json:"slowMs"`
	NormalMs int `json:"normalMs"`
	FastMs   int `json:"fastMs"`
}

func (p PacingConfig) Gaps() map[SendingSpeed]time.Duration {
	return map[SendingSpeed]time.Duration{
		SpeedSlow:   time.Duration(p.SlowMs) * time.Millisecond,
		SpeedNormal: time.Duration(p.NormalMs) * time.Millisecond,
		SpeedFast:   time.Duration(p.FastMs) * time.Millisecond,
	}
}

// TenantConfig holds the single tenant's locale. All rule and campaign hour
// windows are evaluated in Timezone.
type TenantConfig struct {
	Timezone string `json:"timezone"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

type TracingConfig struct {
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	Enabled        bool    `json:"enabled"`
	UseStdout      bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
