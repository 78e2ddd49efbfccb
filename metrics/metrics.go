// Package metrics exposes Prometheus instrumentation for the dashboard
// broadcast layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Current number of open WebSocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Total WebSocket connections accepted.",
	})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "Total messages delivered to clients.",
	})
	SendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_send_errors_total",
		Help: "Total failed sends to clients.",
	})
	Reconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_reconnections_total",
		Help: "Total reconnections that triggered a last-message replay.",
	})
	DedupSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_dedup_suppressed_total",
		Help: "Total broadcasts suppressed as near-duplicates.",
	})
	PingsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_pings_sent_total",
		Help: "Total keep-alive probe rounds sent.",
	})
	BridgePublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_messages_published_total",
		Help: "Total events published to the pub/sub bridge.",
	})
	BridgeReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_messages_received_total",
		Help: "Total events received from the pub/sub bridge.",
	})
)

// Handler returns a fasthttp handler serving the Prometheus scrape endpoint.
func Handler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
}
