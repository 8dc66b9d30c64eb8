// Package metrics exposes prometheus collectors for consensus rounds, ledger
// relays and submissions. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "attestgate"

// Metrics holds the collectors of one node.
type Metrics struct {
	registry *prometheus.Registry

	rounds        *prometheus.CounterVec
	roundDuration prometheus.Histogram
	votes         *prometheus.CounterVec
	sequence      prometheus.Gauge

	relayAttempts *prometheus.CounterVec
	relays        *prometheus.CounterVec
	relayDuration prometheus.Histogram

	submissions        *prometheus.CounterVec
	submissionDuration prometheus.Histogram
	inflight           prometheus.Gauge

	peers       prometheus.Gauge
	disconnects prometheus.Counter
}

// New creates and registers every collector on a fresh registry, along with
// the go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "rounds_total",
			Help:      "Consensus rounds by terminal phase and reason.",
		}, []string{"phase", "reason"}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "round_duration_seconds",
			Help:      "Time from pre-prepare to a terminal phase.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "votes_total",
			Help:      "Distinct votes counted toward a quorum, by kind.",
		}, []string{"kind"}),
		sequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "last_sequence",
			Help:      "Last assigned sequence number.",
		}),

		relayAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "attempts_total",
			Help:      "Ledger write attempts by result.",
		}, []string{"result"}),
		relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "commits_total",
			Help:      "Relay commits by outcome.",
		}, []string{"outcome"}),
		relayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "commit_duration_seconds",
			Help:      "Time from first submit to confirmed record.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),

		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "total",
			Help:      "Submissions by result.",
		}, []string{"result"}),
		submissionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "duration_seconds",
			Help:      "End-to-end submission latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "inflight",
			Help:      "Submissions currently being processed.",
		}),

		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "peers",
			Help:      "Connected cluster peers.",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "disconnects_total",
			Help:      "Peer connections lost.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.rounds, m.roundDuration, m.votes, m.sequence,
		m.relayAttempts, m.relays, m.relayDuration,
		m.submissions, m.submissionDuration, m.inflight,
		m.peers, m.disconnects,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRound records a round that ended in phase, after d.
func (m *Metrics) ObserveRound(phase, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.rounds.WithLabelValues(phase, reason).Inc()
	m.roundDuration.Observe(d.Seconds())
}

// ObserveVotes counts n distinct votes of kind.
func (m *Metrics) ObserveVotes(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.votes.WithLabelValues(kind).Add(float64(n))
}

// SetSequence records the last assigned sequence number.
func (m *Metrics) SetSequence(seq uint64) {
	if m == nil {
		return
	}
	m.sequence.Set(float64(seq))
}

// ObserveRelayAttempt counts one ledger write attempt.
func (m *Metrics) ObserveRelayAttempt(result string) {
	if m == nil {
		return
	}
	m.relayAttempts.WithLabelValues(result).Inc()
}

// ObserveRelay records a finished relay commit.
func (m *Metrics) ObserveRelay(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.relays.WithLabelValues(outcome).Inc()
	m.relayDuration.Observe(d.Seconds())
}

// SubmissionStarted marks a submission in flight. The returned func records
// its result and must be called exactly once.
func (m *Metrics) SubmissionStarted() func(result string) {
	if m == nil {
		return func(string) {}
	}

	start := time.Now()
	m.inflight.Inc()

	return func(result string) {
		m.inflight.Dec()
		m.submissions.WithLabelValues(result).Inc()
		m.submissionDuration.Observe(time.Since(start).Seconds())
	}
}

// SetPeers records the number of connected peers.
func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

// ObserveDisconnect counts one lost peer connection.
func (m *Metrics) ObserveDisconnect() {
	if m == nil {
		return
	}
	m.disconnects.Inc()
}
