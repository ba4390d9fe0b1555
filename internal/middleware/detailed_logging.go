package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"whatsauto/internal/httputil"
	"whatsauto/internal/privacy"
	"whatsauto/internal/service"
	"whatsauto/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maskedValue = "***MASKED***"

// DetailedLoggingConfig controls debug request logging
type DetailedLoggingConfig struct {
	LogRequestHeaders bool
	LogRequestBody    bool
	MaxBodySize       int
	SensitiveHeaders  []string
	SkipPaths         []string
}

func DefaultDetailedLoggingConfig() DetailedLoggingConfig {
	return DetailedLoggingConfig{
		LogRequestHeaders: true,
		LogRequestBody:    false,
		MaxBodySize:       1024,
		SensitiveHeaders: []string{
			"authorization", "cookie", "x-api-key", "x-hub-signature-256",
		},
		SkipPaths: []string{"/metrics", "/health"},
	}
}

// DetailedLogging logs request headers and, when enabled, JSON bodies with
// contact fields masked. It only does work when the logger is at debug
// level.
func DetailedLogging(logger *logrus.Logger, config DetailedLoggingConfig) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !logger.IsLevelEnabled(logrus.DebugLevel) || skipPath(r.URL.Path, config.SkipPaths) {
				next.ServeHTTP(w, r)
				return
			}

			fields := logrus.Fields{
				service.LogFieldRequestID: tracing.RequestID(r.Context()),
				service.LogFieldMethod:    r.Method,
				service.LogFieldURL:       r.URL.Path,
				service.LogFieldRemoteIP:  httputil.GetClientIP(r),
				"content_length":          r.ContentLength,
			}

			if config.LogRequestHeaders {
				fields["request_headers"] = maskHeaders(r.Header, config.SensitiveHeaders)
			}

			if config.LogRequestBody && isJSON(r) && r.ContentLength > 0 && r.ContentLength <= int64(config.MaxBodySize) {
				body, err := io.ReadAll(r.Body)
				if err == nil {
					r.Body = io.NopCloser(bytes.NewReader(body))
					fields["request_body"] = maskBody(body)
				}
			}

			logger.WithFields(fields).Debug("Detailed request logging")
			next.ServeHTTP(w, r)
		})
	}
}

func skipPath(path string, skip []string) bool {
	for _, s := range skip {
		if path == s {
			return true
		}
	}
	return false
}

func maskHeaders(header http.Header, sensitive []string) map[string]string {
	out := make(map[string]string, len(header))
	for name, values := range header {
		if isSensitiveHeader(name, sensitive) {
			out[name] = maskedValue
		} else {
			out[name] = strings.Join(values, ", ")
		}
	}
	return out
}

func isSensitiveHeader(name string, sensitive []string) bool {
	for _, s := range sensitive {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

func isJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Content-Type"), "application/json")
}

// maskBody masks top-level contact fields of a JSON object. Anything else is
// not logged.
func maskBody(body []byte) interface{} {
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return maskedValue
	}
	return privacy.MaskSensitiveFields(fields)
}
