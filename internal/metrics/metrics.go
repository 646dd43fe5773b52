// Package metrics exposes Prometheus collectors for broker traffic.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels a consumed message's terminal state.
type Outcome string

const (
	OutcomeAcked     Outcome = "acked"
	OutcomeRejected  Outcome = "rejected"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeEmpty     Outcome = "empty"
)

// Recorder receives broker traffic observations. Implementations must be
// safe for concurrent use.
type Recorder interface {
	MessageHandled(queue, routingKey string, outcome Outcome, elapsed time.Duration)
	UnmatchedRoutingKey(queue, routingKey string)
	Published(exchange, routingKey string, err error)
	RPCCompleted(routingKey, outcome string, elapsed time.Duration)
	BindingsPruned(exchange, queue string, count int)
}

// Nop discards every observation.
type Nop struct{}

func (Nop) MessageHandled(string, string, Outcome, time.Duration) {}
func (Nop) UnmatchedRoutingKey(string, string)                    {}
func (Nop) Published(string, string, error)                       {}
func (Nop) RPCCompleted(string, string, time.Duration)            {}
func (Nop) BindingsPruned(string, string, int)                    {}

// Metrics is the Prometheus Recorder.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	messagesTotal  *prometheus.CounterVec
	handleSeconds  *prometheus.HistogramVec
	unmatchedTotal *prometheus.CounterVec
	publishedTotal *prometheus.CounterVec
	rpcTotal       *prometheus.CounterVec
	rpcSeconds     *prometheus.HistogramVec
	prunedTotal    *prometheus.CounterVec
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rmqbus",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rmqbus",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   prometheus.DefBuckets,
		},
		labels,
	)
}

// New creates the collectors. A nil registerer means the default registry.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:     registerer,
		messagesTotal:  newCounterVec("consumer", "messages_total", "Messages consumed, by queue and outcome", []string{"queue", "outcome"}),
		handleSeconds:  newHistogramVec("consumer", "handle_seconds", "Time spent dispatching one message", []string{"queue"}),
		unmatchedTotal: newCounterVec("consumer", "unmatched_total", "Messages acknowledged without a matching handler", []string{"queue", "routing_key"}),
		publishedTotal: newCounterVec("publisher", "published_total", "Messages published, by exchange and result", []string{"exchange", "result"}),
		rpcTotal:       newCounterVec("rpc", "requests_total", "RPC requests, by routing key and outcome", []string{"routing_key", "outcome"}),
		rpcSeconds:     newHistogramVec("rpc", "request_seconds", "RPC round trip time", []string{"routing_key"}),
		prunedTotal:    newCounterVec("reconcile", "pruned_bindings_total", "Stale bindings deleted through the management API", []string{"exchange", "queue"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.messagesTotal,
		m.handleSeconds,
		m.unmatchedTotal,
		m.publishedTotal,
		m.rpcTotal,
		m.rpcSeconds,
		m.prunedTotal,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) MessageHandled(queue, routingKey string, outcome Outcome, elapsed time.Duration) {
	m.messagesTotal.WithLabelValues(queue, string(outcome)).Inc()
	m.handleSeconds.WithLabelValues(queue).Observe(elapsed.Seconds())
}

func (m *Metrics) UnmatchedRoutingKey(queue, routingKey string) {
	m.unmatchedTotal.WithLabelValues(queue, routingKey).Inc()
}

func (m *Metrics) Published(exchange, routingKey string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.publishedTotal.WithLabelValues(exchange, result).Inc()
}

func (m *Metrics) RPCCompleted(routingKey, outcome string, elapsed time.Duration) {
	m.rpcTotal.WithLabelValues(routingKey, outcome).Inc()
	m.rpcSeconds.WithLabelValues(routingKey).Observe(elapsed.Seconds())
}

func (m *Metrics) BindingsPruned(exchange, queue string, count int) {
	m.prunedTotal.WithLabelValues(exchange, queue).Add(float64(count))
}
