package node

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "relay"

// Metrics contains metrics exposed by the relay.
type Metrics struct {
	// Height of the canonical tip.
	TipHeight metrics.Gauge
	// Headers validated and stored, canonical or fork.
	HeadersStored metrics.Counter
	// Accepted submissions that replaced canonical headers.
	Reorgs metrics.Counter
	// Rejected submissions, by error code.
	RejectedSubmissions metrics.Counter
	// Live long-fork candidates.
	ForkCandidates metrics.Gauge
	// Claim attempts, by handler and result.
	Claims metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client
// library. Optionally, labels can be provided along with their values
// ("foo", "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		TipHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tip_height",
			Help:      "Height of the canonical tip.",
		}, labels).With(labelsAndValues...),
		HeadersStored: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "headers_stored_total",
			Help:      "Number of headers validated and stored.",
		}, labels).With(labelsAndValues...),
		Reorgs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reorgs_total",
			Help:      "Number of accepted forks that replaced canonical headers.",
		}, labels).With(labelsAndValues...),
		RejectedSubmissions: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rejected_submissions_total",
			Help:      "Number of rejected header submissions.",
		}, withLabels(labels, "code")).With(labelsAndValues...),
		ForkCandidates: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "fork_candidates",
			Help:      "Number of live long-fork candidates.",
		}, labels).With(labelsAndValues...),
		Claims: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "claims_total",
			Help:      "Number of claim attempts.",
		}, withLabels(labels, "handler", "result")).With(labelsAndValues...),
	}
}

func withLabels(labels []string, extra ...string) []string {
	out := make([]string, 0, len(labels)+len(extra))
	out = append(out, labels...)
	return append(out, extra...)
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		TipHeight:           discard.NewGauge(),
		HeadersStored:       discard.NewCounter(),
		Reorgs:              discard.NewCounter(),
		RejectedSubmissions: discard.NewCounter(),
		ForkCandidates:      discard.NewGauge(),
		Claims:              discard.NewCounter(),
	}
}
