package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sdwanctl/internal/model"
	"sdwanctl/internal/netpolicy"
)

const (
	namespace = "sdwan"

	labelPathID    = "path_id"
	labelStatus    = "status"
	labelResult    = "result"
	labelVerdict   = "verdict"
	labelDirection = "direction"
)

var pathStatuses = []model.PathStatus{model.PathUp, model.PathDegraded, model.PathDown}

// Exporter publishes path quality and policy verdicts to Prometheus. It
// implements monitor.Observer and netpolicy.VerdictObserver.
type Exporter struct {
	registry *prometheus.Registry

	latency   *prometheus.GaugeVec
	jitter    *prometheus.GaugeVec
	loss      *prometheus.GaugeVec
	bandwidth *prometheus.GaugeVec
	score     *prometheus.GaugeVec
	status    *prometheus.GaugeVec
	probes    *prometheus.CounterVec
	rtt       prometheus.Histogram
	verdicts  *prometheus.CounterVec
}

// NewExporter creates an exporter with its own registry.
func NewExporter() *Exporter {
	pathGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "path",
			Name:      name,
			Help:      help,
		}, []string{labelPathID})
	}

	e := &Exporter{
		registry:  prometheus.NewRegistry(),
		latency:   pathGauge("latency_ms", "Mean probe round-trip time over the sample window."),
		jitter:    pathGauge("jitter_ms", "Standard deviation of probe round-trip time."),
		loss:      pathGauge("packet_loss_percent", "Percentage of unanswered probes."),
		bandwidth: pathGauge("bandwidth_mbps", "Last measured send rate."),
		score:     pathGauge("score", "Composite path health score (0-100)."),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "path",
			Name:      "status",
			Help:      "1 for the current status of the path, 0 otherwise.",
		}, []string{labelPathID, labelStatus}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "total",
			Help:      "Probes sent, by outcome.",
		}, []string{labelPathID, labelResult}),
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "rtt_seconds",
			Help:      "Round-trip time of successful probes.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .2, .5, 1, 2},
		}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "verdicts_total",
			Help:      "Flow evaluations, by verdict and allowing direction.",
		}, []string{labelVerdict, labelDirection}),
	}

	e.registry.MustRegister(
		e.latency, e.jitter, e.loss, e.bandwidth, e.score, e.status,
		e.probes, e.rtt, e.verdicts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return e
}

// Registry exposes the underlying registry, mainly for tests.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Exporter) ObserveProbe(id model.PathID, ok bool, rtt time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	e.probes.WithLabelValues(id.String(), result).Inc()
	if ok {
		e.rtt.Observe(rtt.Seconds())
	}
}

func (e *Exporter) ObservePath(id model.PathID, m model.PathMetrics, status model.PathStatus) {
	l := prometheus.Labels{labelPathID: id.String()}
	e.latency.With(l).Set(m.LatencyMs)
	e.jitter.With(l).Set(m.JitterMs)
	e.loss.With(l).Set(m.PacketLossPct)
	e.bandwidth.With(l).Set(m.BandwidthMbps)
	e.score.With(l).Set(float64(m.Score))

	for _, s := range pathStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		e.status.WithLabelValues(id.String(), string(s)).Set(v)
	}
}

func (e *Exporter) ObserveVerdict(d netpolicy.Decision) {
	dir := string(d.Direction)
	if dir == "" {
		dir = "none"
	}
	e.verdicts.WithLabelValues(string(d.Verdict), dir).Inc()
}

// ForgetPath drops every series of a deleted path.
func (e *Exporter) ForgetPath(id model.PathID) {
	l := prometheus.Labels{labelPathID: id.String()}
	e.latency.Delete(l)
	e.jitter.Delete(l)
	e.loss.Delete(l)
	e.bandwidth.Delete(l)
	e.score.Delete(l)
	e.status.DeletePartialMatch(l)
	e.probes.DeletePartialMatch(l)
}
