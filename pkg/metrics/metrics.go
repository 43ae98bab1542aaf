package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Frame metrics
	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stomp_frames_sent_total",
			Help: "Total number of STOMP frames written to the transport",
		},
		[]string{"command"},
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stomp_frames_received_total",
			Help: "Total number of STOMP frames decoded from the transport",
		},
		[]string{"command"},
	)

	MalformedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stomp_malformed_frames_total",
			Help: "Total number of malformed frames discarded",
		},
	)

	// Session metrics
	SessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stomp_session_state",
			Help: "STOMP session state (1 for the current state, 0 otherwise)",
		},
		[]string{"state"},
	)

	ConnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stomp_connect_attempts_total",
			Help: "Total number of connect attempts",
		},
	)

	SessionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stomp_session_errors_total",
			Help: "Total number of fatal session errors",
		},
		[]string{"reason"}, // broker, transport, connect, connect_timeout, heartbeat
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stomp_reconnect_attempts_total",
			Help: "Total number of reconnect attempts scheduled",
		},
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stomp_active_subscriptions",
			Help: "Current number of subscriptions in the session",
		},
	)

	// Message metrics
	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stomp_messages_published_total",
			Help: "Total number of publish calls",
		},
		[]string{"result"}, // ok, not_connected, serialization, transport
	)

	MessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stomp_messages_delivered_total",
			Help: "Total number of MESSAGE frames dispatched to a subscription",
		},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stomp_messages_dropped_total",
			Help: "Total number of received messages that were not delivered",
		},
		[]string{"reason"},
	)

	// Database metrics
	DatabaseQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stomp_database_queries_total",
			Help: "Total number of history database queries",
		},
		[]string{"operation", "mode"}, // mode: read, write
	)

	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stomp_database_query_duration_seconds",
			Help:    "Time taken for history database queries",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~400ms
		},
		[]string{"operation", "mode"},
	)

	DatabaseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stomp_database_errors_total",
			Help: "Total number of history database errors",
		},
		[]string{"operation"},
	)

	// Mirror metrics
	MirrorMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stomp_mirror_messages_published_total",
			Help: "Total number of messages republished to MQTT",
		},
		[]string{"topic"},
	)

	MirrorPublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stomp_mirror_publish_duration_seconds",
			Help:    "Time taken to republish a message to MQTT",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
		},
		[]string{"topic"},
	)

	MirrorPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stomp_mirror_publish_errors_total",
			Help: "Total number of MQTT republish errors",
		},
		[]string{"topic"},
	)

	MirrorConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stomp_mirror_connection_state",
			Help: "MQTT mirror connection state (1=connected, 0=disconnected)",
		},
		[]string{"broker"},
	)

	// Script metrics
	ScriptExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stomp_script_executions_total",
			Help: "Total number of subscription script executions",
		},
		[]string{"destination"},
	)

	ScriptExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stomp_script_execution_duration_seconds",
			Help:    "Time taken to run subscription scripts",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
		[]string{"destination"},
	)

	ScriptExecutionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stomp_script_execution_errors_total",
			Help: "Total number of subscription script errors",
		},
		[]string{"destination", "error_type"},
	)

	// Inbox metrics
	InboxMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stomp_inbox_messages",
			Help: "Current number of messages kept in the inbox",
		},
	)

	InboxDestinations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stomp_inbox_destinations",
			Help: "Current number of destinations seen by the inbox",
		},
	)
)

var sessionStates = []string{"CLOSED", "CONNECTING", "CONNECTED", "ERRORED"}

// RecordFrameSent records an outgoing frame
func RecordFrameSent(command string) {
	FramesSent.WithLabelValues(command).Inc()
}

// RecordFrameReceived records an incoming frame
func RecordFrameReceived(command string) {
	FramesReceived.WithLabelValues(command).Inc()
}

func RecordMalformedFrame() {
	MalformedFrames.Inc()
}

// SetSessionState marks state as current and clears the others
func SetSessionState(state string) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}

func RecordConnectAttempt() {
	ConnectAttempts.Inc()
}

func RecordSessionError(reason string) {
	SessionErrors.WithLabelValues(reason).Inc()
}

func RecordReconnectAttempt() {
	ReconnectAttempts.Inc()
}

func SetActiveSubscriptions(count int) {
	ActiveSubscriptions.Set(float64(count))
}

// RecordPublish records the outcome of a publish call
func RecordPublish(result string) {
	MessagesPublished.WithLabelValues(result).Inc()
}

func RecordMessageDelivered() {
	MessagesDelivered.Inc()
}

func RecordMessageDropped(reason string) {
	MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordDatabaseQuery records a database query
func RecordDatabaseQuery(operation, mode string, duration float64) {
	DatabaseQueries.WithLabelValues(operation, mode).Inc()
	DatabaseQueryDuration.WithLabelValues(operation, mode).Observe(duration)
}

// RecordDatabaseError records a database error
func RecordDatabaseError(operation string) {
	DatabaseErrors.WithLabelValues(operation).Inc()
}

// RecordMirrorPublish records an MQTT republish
func RecordMirrorPublish(topic string, duration float64) {
	MirrorMessagesPublished.WithLabelValues(topic).Inc()
	MirrorPublishDuration.WithLabelValues(topic).Observe(duration)
}

func RecordMirrorPublishError(topic string) {
	MirrorPublishErrors.WithLabelValues(topic).Inc()
}

// SetMirrorConnectionState sets the MQTT mirror connection state
func SetMirrorConnectionState(broker string, connected bool) {
	state := 0.0
	if connected {
		state = 1.0
	}
	MirrorConnectionState.WithLabelValues(broker).Set(state)
}

// RecordScriptExecution records a subscription script run
func RecordScriptExecution(destination string, duration float64) {
	ScriptExecutions.WithLabelValues(destination).Inc()
	ScriptExecutionDuration.WithLabelValues(destination).Observe(duration)
}

func RecordScriptError(destination, errorType string) {
	ScriptExecutionErrors.WithLabelValues(destination, errorType).Inc()
}

func SetInboxSize(messages, destinations int) {
	InboxMessages.Set(float64(messages))
	InboxDestinations.Set(float64(destinations))
}
