// Package metrics exposes the publish engine's Prometheus instrumentation.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every Prometheus metric the engine reports.
type Registry struct {
	requestsReceived       prometheus.Counter
	requestsFaulted        *prometheus.CounterVec
	responsesSent          *prometheus.CounterVec
	queueDepth             prometheus.Gauge
	lateSubscriptions      prometheus.Gauge
	retransmissionDropped  prometheus.Counter
	subscriptionStateGauge *prometheus.GaugeVec

	mu    sync.Mutex
	state map[uint32]string
}

// NewRegistry builds and registers the publish engine's metrics.
func NewRegistry() *Registry {
	return &Registry{
		requestsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "publish_engine_requests_received_total",
			Help: "Total number of PublishRequests received.",
		}),
		requestsFaulted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "publish_engine_requests_faulted_total",
			Help: "Total number of requests answered with a ServiceFault, by reason.",
		}, []string{"reason"}),
		responsesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "publish_engine_responses_sent_total",
			Help: "Total number of PublishResponses sent, by kind.",
		}, []string{"kind"}),
		queueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "publish_engine_queue_depth",
			Help: "Current number of queued PublishRequests.",
		}),
		lateSubscriptions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "publish_engine_late_subscriptions",
			Help: "Current number of subscriptions in the LATE state.",
		}),
		retransmissionDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "publish_engine_retransmission_dropped_total",
			Help: "Total number of unacknowledged messages dropped from retransmission queues at capacity.",
		}),
		subscriptionStateGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "publish_engine_subscription_state",
			Help: "Current number of subscriptions in each state.",
		}, []string{"state"}),
		state: make(map[uint32]string),
	}
}

// IncRequestsReceived increments the requests-received counter.
func (r *Registry) IncRequestsReceived() {
	r.requestsReceived.Inc()
}

// IncRequestsFaulted increments the requests-faulted counter for reason.
func (r *Registry) IncRequestsFaulted(reason string) {
	r.requestsFaulted.WithLabelValues(reason).Inc()
}

// IncResponsesSent increments the responses-sent counter for kind.
func (r *Registry) IncResponsesSent(kind string) {
	r.responsesSent.WithLabelValues(kind).Inc()
}

// SetQueueDepth sets the current queue depth gauge.
func (r *Registry) SetQueueDepth(depth int) {
	r.queueDepth.Set(float64(depth))
}

// SetLateSubscriptions sets the current count of LATE subscriptions.
func (r *Registry) SetLateSubscriptions(count int) {
	r.lateSubscriptions.Set(float64(count))
}

// IncRetransmissionDropped increments the retransmission-dropped counter.
func (r *Registry) IncRetransmissionDropped() {
	r.retransmissionDropped.Inc()
}

// SetSubscriptionState records id's current state and adjusts the per-state
// gauge vec incrementally: the previous state's gauge is decremented and the
// new state's gauge incremented when the state changes.
func (r *Registry) SetSubscriptionState(id uint32, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.state[id]; ok && old != state {
		r.subscriptionStateGauge.WithLabelValues(old).Dec()
	}
	if prev, ok := r.state[id]; !ok || prev != state {
		r.subscriptionStateGauge.WithLabelValues(state).Inc()
	}
	r.state[id] = state
}

// ForgetSubscription removes id from the per-state gauge bookkeeping, used
// once a closed subscription has been fully discarded.
func (r *Registry) ForgetSubscription(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.state[id]; ok {
		r.subscriptionStateGauge.WithLabelValues(old).Dec()
		delete(r.state, id)
	}
}
