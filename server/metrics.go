package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"oidclogin/client"
)

// Metrics holds the application's Prometheus collectors on a private registry.
type Metrics struct {
	registry       *prometheus.Registry
	flowOperations *prometheus.CounterVec
	webhookEvents  *prometheus.CounterVec
}

// NewMetrics registers the login and webhook counters.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		flowOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oidclogin",
			Name:      "flow_operations_total",
			Help:      "Login flow operations by outcome. result is success or an error code.",
		}, []string{"operation", "result"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oidclogin",
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries by event type and outcome.",
		}, []string{"type", "result"}),
	}
	reg.MustRegister(
		m.flowOperations,
		m.webhookEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveFlow counts one flow operation.
func (m *Metrics) ObserveFlow(operation string, err error) {
	result := "success"
	if err != nil {
		result = metricCode(client.ErrorCode(err))
	}
	m.flowOperations.WithLabelValues(operation, result).Inc()
}

// The callback error parameter is attacker controlled, so only registered
// OAuth codes become label values.
var oauthErrorCodes = map[string]bool{
	"invalid_request":           true,
	"unauthorized_client":       true,
	"access_denied":             true,
	"unsupported_response_type": true,
	"invalid_scope":             true,
	"server_error":              true,
	"temporarily_unavailable":   true,
	"invalid_client":            true,
	"invalid_grant":             true,
	"unsupported_grant_type":    true,
	"login_required":            true,
	"consent_required":          true,
	"interaction_required":      true,
}

var internalErrorCodes = map[string]bool{
	"configuration_error":   true,
	"malformed_id_token":    true,
	"unsupported_algorithm": true,
	"key_not_found":         true,
	"signature_invalid":     true,
	"issuer_mismatch":       true,
	"audience_mismatch":     true,
	"token_expired":         true,
	"nonce_mismatch":        true,
	"invalid_state":         true,
	"session_expired":       true,
	"no_refresh_token":      true,
	"not_authenticated":     true,
	"metadata_fetch_failed": true,
	"token_exchange_failed": true,
	"userinfo_failed":       true,
}

func metricCode(code string) string {
	if oauthErrorCodes[code] || internalErrorCodes[code] {
		return code
	}
	return "other_oauth_error"
}

// ObserveWebhook counts one webhook delivery.
func (m *Metrics) ObserveWebhook(eventType, result string) {
	if eventType == "" {
		eventType = "unknown"
	}
	m.webhookEvents.WithLabelValues(eventType, result).Inc()
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
