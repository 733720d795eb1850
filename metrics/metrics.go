// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector behind one registry so tests can build
// isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesIn  *prometheus.CounterVec
	MessagesOut *prometheus.CounterVec
	Callbacks   prometheus.Counter
	RateLimited prometheus.Counter

	AgentRequests prometheus.Counter
	AgentErrors   prometheus.Counter

	Orders *prometheus.CounterVec

	Reloads        prometheus.Counter
	WebchatClients prometheus.Gauge
	PairedUsers    prometheus.Gauge
}

// New builds a fresh registry with process and Go collectors plus the
// gateway's own.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		MessagesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "polyterm_messages_in_total",
			Help: "Inbound messages by platform.",
		}, []string{"platform"}),
		MessagesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "polyterm_messages_out_total",
			Help: "Outbound messages by platform.",
		}, []string{"platform"}),
		Callbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "polyterm_callbacks_total",
			Help: "Inline keyboard callbacks dispatched.",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "polyterm_rate_limited_total",
			Help: "Inbound messages refused by the rate gate.",
		}),
		AgentRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "polyterm_agent_requests_total",
			Help: "Messages forwarded to the agent.",
		}),
		AgentErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "polyterm_agent_errors_total",
			Help: "Agent requests that failed.",
		}),
		Orders: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "polyterm_orders_total",
			Help: "Orders placed through the wizard by side and type.",
		}, []string{"side", "type"}),
		Reloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "polyterm_config_reloads_total",
			Help: "Runtime rebuilds triggered by config changes.",
		}),
		WebchatClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "polyterm_webchat_clients",
			Help: "Currently connected webchat clients.",
		}),
		PairedUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "polyterm_paired_users",
			Help: "Paired users across channels.",
		}),
	}
}
