// Package metrics holds the Prometheus collectors for the engine and the
// HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "whatsauto_http_requests_total", Help: "Count of HTTP requests."},
		[]string{"route", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whatsauto_http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"route", "method"},
	)
	WebhookUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "whatsauto_delivery_updates_total", Help: "Provider status updates by result."},
		[]string{"status", "result"}, // applied | ignored | unknown_message | error
	)

	// Automation
	AutomationExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "whatsauto_automation_executions_total", Help: "Rule executions by outcome."},
		[]string{"trigger", "outcome"},
	)
	AutomationScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "whatsauto_automation_scheduled_total", Help: "Automation sends deferred to a later instant."},
	)
	AutomationQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "whatsauto_automation_queue_depth", Help: "Events waiting for an automation worker."},
	)

	// Campaigns
	CampaignSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "whatsauto_campaign_sends_total", Help: "Campaign recipient sends by outcome."},
		[]string{"outcome"}, // sent | failed | timeout
	)
	RunningPumps = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "whatsauto_campaign_pumps_running", Help: "Campaign pumps currently running in this process."},
	)
	StaleRecipients = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "whatsauto_campaign_stale_sent_recipients", Help: "Recipients stuck in SENT beyond the stale threshold."},
	)

	// Provider
	SendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whatsauto_provider_send_duration_seconds",
			Help:    "WhatsApp send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
		[]string{"source"}, // automation | campaign
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "whatsauto_circuit_breaker_state", Help: "0 closed, 1 open, 2 half-open."},
		[]string{"name"},
	)
)

var registerOnce sync.Once

// MustRegister adds the runtime and application collectors to the default
// registry. Safe to call more than once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequests, HTTPDuration, WebhookUpdates,
			AutomationExecutions, AutomationScheduled, AutomationQueueDepth,
			CampaignSends, RunningPumps, StaleRecipients,
			SendDuration, BreakerState,
		)
	})
}

// Handler serves the default registry
func Handler() http.Handler {
	MustRegister()
	return promhttp.Handler()
}

func ObserveHTTP(route, method string, code int, d time.Duration) {
	HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	HTTPDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

func ObserveSend(source string, d time.Duration) {
	SendDuration.WithLabelValues(source).Observe(d.Seconds())
}
