package service

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Standard log field names. Use these exact names so log queries work across
// components.
const (
	LogFieldRequestID  = "request_id"
	LogFieldTraceID    = "trace_id"
	LogFieldService    = "service"
	LogFieldComponent  = "component"
	LogFieldOperation  = "operation"
	LogFieldMethod     = "method"
	LogFieldURL        = "url"
	LogFieldRoute      = "route"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldUserAgent  = "user_agent"
	LogFieldDuration   = "duration_ms"
	LogFieldSize       = "size_bytes"
	LogFieldCount      = "count"

	LogFieldCampaignID     = "campaign_id"
	LogFieldRuleID         = "rule_id"
	LogFieldConversationID = "conversation_id"
	LogFieldJob            = "job"
)

// ContextKey is a package-local type to prevent context key collisions
type ContextKey string

const VerboseContextKey ContextKey = "verbose"

func WithVerbose(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, VerboseContextKey, verbose)
}

// IsVerboseLogging reports whether unmasked contact data may be logged
func IsVerboseLogging(ctx context.Context) bool {
	verbose, _ := ctx.Value(VerboseContextKey).(bool)
	return verbose
}

// LogWithContext returns an entry tagged with the verbose flag from ctx
func LogWithContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	return logger.WithField("verbose", IsVerboseLogging(ctx))
}
