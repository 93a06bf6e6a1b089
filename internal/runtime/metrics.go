package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "brokerrpc"

// Call outcomes recorded by the client metrics.
const (
	outcomeOK        = "ok"
	outcomeError     = "rpc_error"
	outcomeMalformed = "malformed"
	outcomeTransport = "transport_error"
	outcomeCancelled = "cancelled"
	outcomeOneway    = "oneway"
)

// brokerMetrics holds the Prometheus collectors of a broker. Collectors are always
// updated; they are only exposed once register succeeds.
type brokerMetrics struct {
	mu sync.Mutex

	clientCalls      *prometheus.CounterVec
	clientDuration   *prometheus.HistogramVec
	serverRequests   *prometheus.CounterVec
	serverDuration   *prometheus.HistogramVec
	consumerBacklog  *prometheus.GaugeVec
	consumerEvicted  *prometheus.CounterVec
	consumerReceived *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
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
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   prometheus.DefBuckets,
		},
		labels,
	)
}

func newBrokerMetrics(registerer prometheus.Registerer) *brokerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &brokerMetrics{
		registerer:       registerer,
		clientCalls:      newCounterVec("client", "calls_total", "Number of calls issued by this process", []string{"topic", "method", "outcome"}),
		clientDuration:   newHistogramVec("client", "call_duration_seconds", "Time from publishing a request until its result arrived", []string{"topic", "method"}),
		serverRequests:   newCounterVec("server", "requests_total", "Number of requests dispatched, labelled with the response code (0 for success)", []string{"topic", "method", "code"}),
		serverDuration:   newHistogramVec("server", "dispatch_duration_seconds", "Time spent invoking a method", []string{"topic", "method"}),
		consumerBacklog:  newGaugeVec("consumer", "backlog", "Envelopes buffered by a consumer handle and not yet claimed", []string{"topic", "group"}),
		consumerEvicted:  newCounterVec("consumer", "evicted_total", "Envelopes dropped because the consumer backlog was full", []string{"topic", "group"}),
		consumerReceived: newCounterVec("consumer", "received_total", "Envelopes read from the transport by a consumer handle", []string{"topic", "group"}),
	}
}

// register exposes the collectors. Collectors that are already registered, for example
// by another broker in the same process, are shared. Safe to call multiple times.
func (m *brokerMetrics) register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var errs []error
	m.clientCalls = registerOrExisting(m.registerer, m.clientCalls, &errs)
	m.clientDuration = registerOrExisting(m.registerer, m.clientDuration, &errs)
	m.serverRequests = registerOrExisting(m.registerer, m.serverRequests, &errs)
	m.serverDuration = registerOrExisting(m.registerer, m.serverDuration, &errs)
	m.consumerBacklog = registerOrExisting(m.registerer, m.consumerBacklog, &errs)
	m.consumerEvicted = registerOrExisting(m.registerer, m.consumerEvicted, &errs)
	m.consumerReceived = registerOrExisting(m.registerer, m.consumerReceived, &errs)
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	m.registered = true
	return nil
}

func registerOrExisting[C prometheus.Collector](registerer prometheus.Registerer, c C, errs *[]error) C {
	err := registerer.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing
		}
	}
	*errs = append(*errs, err)
	return c
}

func (m *brokerMetrics) recordCall(topic, method, outcome string, elapsed time.Duration) {
	m.clientCalls.WithLabelValues(topic, method, outcome).Inc()
	if outcome != outcomeOneway {
		m.clientDuration.WithLabelValues(topic, method).Observe(elapsed.Seconds())
	}
}

func (m *brokerMetrics) recordDispatch(topic, method, code string, elapsed time.Duration) {
	m.serverRequests.WithLabelValues(topic, method, code).Inc()
	m.serverDuration.WithLabelValues(topic, method).Observe(elapsed.Seconds())
}

func (m *brokerMetrics) recordReceived(topic, group string) {
	m.consumerReceived.WithLabelValues(topic, group).Inc()
}

func (m *brokerMetrics) recordEvicted(topic, group string) {
	m.consumerEvicted.WithLabelValues(topic, group).Inc()
}

func (m *brokerMetrics) setBacklog(topic, group string, n int) {
	m.consumerBacklog.WithLabelValues(topic, group).Set(float64(n))
}
