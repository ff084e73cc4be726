package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "payreminder"

// DispatchMetrics exposes counters/histograms for batch dispatch.
type DispatchMetrics struct {
	batchesTotal  *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	attempts      prometheus.Histogram
	sendLatency   *prometheus.HistogramVec
	activeBatches prometheus.Gauge
}

// NewDispatchMetrics registers dispatch collectors on reg (default registerer when nil).
func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	m := &DispatchMetrics{
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "batches_total",
			Help:      "Batches by terminal status",
		}, []string{"status"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "deliveries_total",
			Help:      "Terminal per-client delivery outcomes",
		}, []string{"status"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "attempts_per_delivery",
			Help:      "Send attempts needed to reach a terminal outcome",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "send_latency_seconds",
			Help:      "Latency of individual gateway send attempts",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		activeBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "active_batches",
			Help:      "Batches currently running (0 or 1)",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.batchesTotal, m.deliveries, m.attempts, m.sendLatency, m.activeBatches)
	return m
}

func (m *DispatchMetrics) BatchStarted() {
	if m == nil {
		return
	}
	m.activeBatches.Inc()
}

func (m *DispatchMetrics) BatchFinished(status string) {
	if m == nil {
		return
	}
	m.activeBatches.Dec()
	m.batchesTotal.WithLabelValues(status).Inc()
}

func (m *DispatchMetrics) ObserveDelivery(status string, attempts int) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(status).Inc()
	m.attempts.Observe(float64(attempts))
}

func (m *DispatchMetrics) ObserveSend(result string, seconds float64) {
	if m == nil {
		return
	}
	m.sendLatency.WithLabelValues(result).Observe(seconds)
}

// WebhookMetrics exposes counters/histograms for inbound gateway webhooks.
type WebhookMetrics struct {
	inboundTotal   *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
}

func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	m := &WebhookMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "inbound_total",
			Help:      "Inbound gateway webhooks by event and outcome",
		}, []string{"event", "outcome"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "latency_seconds",
			Help:      "Latency of webhook ingest",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.webhookLatency)
	return m
}

func (m *WebhookMetrics) ObserveInbound(event, outcome string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(event, outcome).Inc()
}

func (m *WebhookMetrics) ObserveLatency(event string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(event).Observe(seconds)
}

// ConversationMetrics tracks orchestrator transitions and classifier calls.
type ConversationMetrics struct {
	transitions       *prometheus.CounterVec
	classifierLatency *prometheus.HistogramVec
	replies           *prometheus.CounterVec
}

func NewConversationMetrics(reg prometheus.Registerer) *ConversationMetrics {
	m := &ConversationMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "transitions_total",
			Help:      "Conversation state transitions",
		}, []string{"from", "to"}),
		classifierLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "classifier_latency_seconds",
			Help:      "Intent classifier latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "replies_total",
			Help:      "Outbound conversation replies by delivery status",
		}, []string{"state", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitions, m.classifierLatency, m.replies)
	return m
}

func (m *ConversationMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *ConversationMetrics) ObserveClassifier(result string, seconds float64) {
	if m == nil {
		return
	}
	m.classifierLatency.WithLabelValues(result).Observe(seconds)
}

func (m *ConversationMetrics) ObserveReply(state, status string) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(state, status).Inc()
}
