package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"whatsauto/internal/constants"
	"whatsauto/internal/models"
	"whatsauto/internal/security"

	"github.com/joho/godotenv"
)

const (
	envProduction       = "WHATSAUTO_ENV"
	envWhatsAppToken    = "WHATSAUTO_WHATSAPP_TOKEN"
	envBackendToken     = "WHATSAUTO_BACKEND_TOKEN"
	envWebhookSecret    = "WHATSAUTO_WEBHOOK_SECRET"
	envVerifyToken      = "WHATSAUTO_VERIFY_TOKEN"
	envDBDriver         = "WHATSAUTO_DB_DRIVER"
	envDBDSN            = "WHATSAUTO_DB_DSN"
	envDBPath           = "WHATSAUTO_DB_PATH"
	envTimezone         = "WHATSAUTO_TIMEZONE"
	envEncryptionSecret = "WHATSAUTO_ENCRYPTION_SECRET"
)

var (
	ErrMissingPhoneNumberID = models.ConfigError{Message: "missing WhatsApp phone number id"}
	ErrMissingBackendURL    = models.ConfigError{Message: "missing backend base URL"}
	ErrMissingDBPath        = models.ConfigError{Message: "missing database path"}
	ErrMissingDBDSN         = models.ConfigError{Message: "missing database DSN"}
)

// LoadDotEnv loads KEY=value pairs from path into the environment. Variables
// already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// LoadConfig reads the JSON config at path, applies WHATSAUTO_* environment
// overrides, fills defaults and validates the result. Secrets are only
// read from the environment.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - path validated above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}
	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Location is the tenant timezone all hour windows are evaluated in
func Location(c *models.Config) (*time.Location, error) {
	loc, err := time.LoadLocation(c.Tenant.Timezone)
	if err != nil {
		return nil, models.ConfigError{Message: fmt.Sprintf("invalid tenant timezone %q: %v", c.Tenant.Timezone, err)}
	}
	return loc, nil
}

func applyEnvironmentOverrides(c *models.Config) {
	override := func(key string, target *string) {
		if v := os.Getenv(key); v != "" {
			*target = v
		}
	}

	override(envWhatsAppToken, &c.WhatsApp.AccessToken)
	override(envBackendToken, &c.Backend.AuthToken)
	override(envWebhookSecret, &c.Server.WebhookSecret)
	override(envVerifyToken, &c.Server.VerifyToken)
	override(envDBDriver, &c.Database.Driver)
	override(envDBDSN, &c.Database.DSN)
	override(envDBPath, &c.Database.Path)
	override(envTimezone, &c.Tenant.Timezone)
	override(envEncryptionSecret, &c.Database.EncryptionSecret)
}

func validate(c *models.Config) error {
	setDefaults(c)

	if c.WhatsApp.PhoneNumberID == "" {
		return ErrMissingPhoneNumberID
	}
	if c.Backend.BaseURL == "" {
		return ErrMissingBackendURL
	}

	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return ErrMissingDBPath
		}
	case "pgx":
		if c.Database.DSN == "" {
			return ErrMissingDBDSN
		}
	default:
		return models.ConfigError{Message: fmt.Sprintf("unsupported database driver %q", c.Database.Driver)}
	}

	if _, err := Location(c); err != nil {
		return err
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing sample rate must be between 0 and 1"}
	}
	return nil
}

func setDefaults(c *models.Config) {
	defaultInt := func(target *int, value int) {
		if *target <= 0 {
			*target = value
		}
	}
	defaultString := func(target *string, value string) {
		if strings.TrimSpace(*target) == "" {
			*target = value
		}
	}

	defaultInt(&c.Server.Port, constants.DefaultServerPort)
	defaultInt(&c.Server.ReadTimeoutSec, constants.DefaultServerReadTimeoutSec)
	defaultInt(&c.Server.WriteTimeoutSec, constants.DefaultServerWriteTimeoutSec)
	defaultInt(&c.Server.IdleTimeoutSec, constants.DefaultServerIdleTimeoutSec)

	defaultString(&c.Database.Driver, constants.DefaultDatabaseDriver)
	if c.Database.Driver == constants.DefaultDatabaseDriver {
		defaultString(&c.Database.Path, constants.DefaultDatabasePath)
	}

	defaultString(&c.WhatsApp.APIBaseURL, constants.DefaultWhatsAppAPIBaseURL)
	defaultString(&c.WhatsApp.APIVersion, constants.DefaultWhatsAppAPIVersion)
	defaultInt(&c.WhatsApp.TimeoutSec, constants.DefaultHTTPTimeoutSec)
	defaultInt(&c.Backend.TimeoutSec, constants.DefaultHTTPTimeoutSec)

	defaultInt(&c.Automation.Workers, constants.DefaultAutomationWorkers)
	defaultInt(&c.Automation.QueueSize, constants.DefaultAutomationQueueSize)
	defaultInt(&c.Automation.MessagingWindowHours, constants.DefaultMessagingWindowHours)
	defaultInt(&c.Automation.DueSendIntervalSec, constants.DefaultDueSendIntervalSec)
	defaultInt(&c.Automation.DueSendBatchSize, constants.DefaultDueSendBatchSize)

	defaultInt(&c.Campaign.SendTimeoutSec, constants.DefaultSendTimeoutSec)
	defaultInt(&c.Campaign.SchedulerIntervalSec, constants.DefaultSchedulerIntervalSec)
	defaultInt(&c.Campaign.MonitorIntervalSec, constants.DefaultMonitorIntervalSec)
	defaultInt(&c.Campaign.StaleThresholdMin, constants.DefaultStaleThresholdMin)
	defaultInt(&c.Campaign.Pacing.SlowMs, constants.DefaultSlowPacingMs)
	defaultInt(&c.Campaign.Pacing.NormalMs, constants.DefaultNormalPacingMs)
	defaultInt(&c.Campaign.Pacing.FastMs, constants.DefaultFastPacingMs)

	defaultString(&c.Tenant.Timezone, constants.DefaultTimezone)

	defaultInt(&c.Retry.InitialBackoffMs, constants.DefaultRetryBackoffMs)
	defaultInt(&c.Retry.MaxBackoffMs, constants.DefaultMaxBackoffMs)
	defaultInt(&c.Retry.MaxAttempts, constants.DefaultMaxAttempts)

	defaultString(&c.Tracing.ServiceName, "whatsauto")
	defaultString(&c.LogLevel, constants.DefaultLogLevel)
}

// IsProduction reports whether WHATSAUTO_ENV is "production"
func IsProduction() bool {
	return os.Getenv(envProduction) == "production"
}

func validateSecurity(c *models.Config) error {
	if secret := c.Database.EncryptionSecret; secret != "" && len(secret) < constants.MinEncryptionSecret {
		return models.ConfigError{Message: fmt.Sprintf("encryption secret must be at least %d characters long", constants.MinEncryptionSecret)}
	}

	if !IsProduction() {
		if c.Server.WebhookSecret == "" {
			fmt.Fprintf(os.Stderr, "WARNING: webhook secret not set. Set %s to verify webhook signatures.\n", envWebhookSecret)
		}
		return nil
	}

	if c.Server.WebhookSecret == "" {
		return models.ConfigError{Message: fmt.Sprintf("webhook secret is required in production (set %s)", envWebhookSecret)}
	}
	if len(c.Server.WebhookSecret) < constants.MinWebhookSecretLength {
		return models.ConfigError{Message: fmt.Sprintf("webhook secret must be at least %d characters long", constants.MinWebhookSecretLength)}
	}
	if c.Server.VerifyToken == "" {
		return models.ConfigError{Message: fmt.Sprintf("webhook verify token is required in production (set %s)", envVerifyToken)}
	}
	if c.WhatsApp.AccessToken == "" {
		return models.ConfigError{Message: fmt.Sprintf("WhatsApp access token is required in production (set %s)", envWhatsAppToken)}
	}
	if c.LogLevel == "debug" {
		return models.ConfigError{Message: "debug logging should not be used in production"}
	}
	return nil
}
