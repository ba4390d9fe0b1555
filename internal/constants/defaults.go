package constants

// Server defaults
const (
	DefaultServerPort            = 8082
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	DefaultHTTPTimeoutSec        = 30
	MaxRequestBodyBytes          = 1 << 20
)

// Retry defaults, used for database and backend calls. Provider sends are
// never retried.
const (
	DefaultRetryBackoffMs         = 1000
	DefaultMaxBackoffMs           = 60000
	DefaultMaxAttempts            = 5
	DefaultDatabaseRetryAttempts  = 3
	DefaultDatabaseRetryBackoffMs = 100
	DefaultDatabaseMaxBackoffMs   = 2000
)

// Database defaults
const (
	DefaultDatabaseDriver = "sqlite3"
	DefaultDatabasePath   = "whatsauto.db"
	SQLiteBusyTimeoutMs   = 5000
)

// Automation defaults
const (
	DefaultAutomationWorkers    = 4
	DefaultAutomationQueueSize  = 256
	DefaultMessagingWindowHours = 24
	DefaultDueSendIntervalSec   = 15
	DefaultDueSendBatchSize     = 50
	DefaultExecutionListLimit   = 100
	MaxExecutionListLimit       = 1000
	MaxSchedulePasses           = 16
)

// Campaign defaults. Pacing gaps are the minimum time between two sends of
// one campaign.
const (
	DefaultSlowPacingMs         = 5000
	DefaultNormalPacingMs       = 2000
	DefaultFastPacingMs         = 1000
	DefaultSendTimeoutSec       = 30
	DefaultSchedulerIntervalSec = 30
	DefaultMonitorIntervalSec   = 60
	DefaultStaleThresholdMin    = 30
	DefaultProgressBufferSize   = 16
	DefaultWorkingHoursStart    = 9
	DefaultWorkingHoursEnd      = 18
)

// WhatsApp Cloud API defaults
const (
	DefaultWhatsAppAPIBaseURL = "https://graph.facebook.com"
	DefaultWhatsAppAPIVersion = "v21.0"
)

// Circuit breaker defaults
const (
	DefaultCircuitBreakerMaxFailures = 5
	DefaultCircuitBreakerTimeoutSec  = 30
)

// Privacy settings
const (
	DefaultPhoneMaskLength = 4
	DefaultMessageIDLength = 8
)

// Input limits
const (
	MinPhoneNumberLength = 7
	MaxPhoneNumberLength = 15
	MaxNameLength        = 200
)

// Encryption settings. Changing the salt makes stored ciphertext unreadable.
const (
	EncryptionSalt      = "whatsauto-phone-encryption-v1"
	MinEncryptionSecret = 32
)

// Configuration
const (
	DefaultConfigPath      = "config.json"
	DefaultTimezone        = "UTC"
	DefaultLogLevel        = "info"
	MinWebhookSecretLength = 32
	ConfigWatchIntervalSec = 5
)

// Per client IP limits on the webhook and event ingest endpoints
const (
	DefaultRateLimitRequests  = 300
	DefaultRateLimitWindowSec = 60
	RateLimiterIdleTTLMin     = 10
)
