package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	AgentsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sysmanage_agents_connected",
			Help: "Number of agents with a live WebSocket session",
		},
	)

	AgentSendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sysmanage_agent_send_failures_total",
			Help: "Failed sends to agents by failure class",
		},
		[]string{"class"},
	)

	// Auth metrics
	AuthTokensIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sysmanage_auth_tokens_issued_total",
			Help: "Connection tokens issued to agents",
		},
	)

	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sysmanage_auth_failures_total",
			Help: "Rejected auth attempts by reason",
		},
		[]string{"reason"},
	)

	// Queue metrics
	MessagesEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sysmanage_queue_messages_enqueued_total",
			Help: "Messages enqueued by direction",
		},
		[]string{"direction"},
	)

	MessagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sysmanage_queue_messages_processed_total",
			Help: "Queued messages reaching a terminal state, by status",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sysmanage_queue_depth",
			Help: "Queued messages by status",
		},
		[]string{"status"},
	)

	// Processor metrics
	ProcessorSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sysmanage_processor_sweep_duration_seconds",
			Help:    "Duration of inbound processor sweeps in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MessagesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sysmanage_queue_messages_expired_total",
			Help: "Messages expired by the processor",
		},
	)

	MessagesReset = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sysmanage_queue_messages_reset_total",
			Help: "Stuck in-progress messages returned to pending",
		},
	)

	// Config push metrics
	ConfigPushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sysmanage_config_pushes_total",
			Help: "Configuration versions pushed to agents",
		},
	)

	ConfigAcks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sysmanage_config_acks_total",
			Help: "Configuration acknowledgements by result",
		},
		[]string{"result"},
	)

	// Host metrics
	HostsDown = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sysmanage_hosts_marked_down_total",
			Help: "Hosts marked down by the liveness sweep",
		},
	)
)

func init() {
	prometheus.MustRegister(AgentsConnected)
	prometheus.MustRegister(AgentSendFailures)
	prometheus.MustRegister(AuthTokensIssued)
	prometheus.MustRegister(AuthFailures)
	prometheus.MustRegister(MessagesEnqueued)
	prometheus.MustRegister(MessagesProcessed)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ProcessorSweepDuration)
	prometheus.MustRegister(MessagesExpired)
	prometheus.MustRegister(MessagesReset)
	prometheus.MustRegister(ConfigPushes)
	prometheus.MustRegister(ConfigAcks)
	prometheus.MustRegister(HostsDown)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
