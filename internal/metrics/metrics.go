// Package metrics exposes prometheus instrumentation for the pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tossmail_messages_received_total",
		Help: "Messages accepted over SMTP.",
	})
	MessagesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tossmail_messages_deleted_total",
		Help: "Messages removed by API delete or retention sweep.",
	})
	WebhookAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tossmail_webhook_attempts_total",
		Help: "Webhook delivery attempts, including retries.",
	})
	WebhookFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tossmail_webhook_failures_total",
		Help: "Webhook deliveries abandoned after exhausting retries.",
	})
	WebsocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tossmail_websocket_connections",
		Help: "Currently open WebSocket subscriptions.",
	})
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tossmail_rate_limited_total",
		Help: "Requests rejected by the rate-limit gate.",
	})
)

// Handler serves the prometheus exposition endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
