package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once             sync.Once
	stageDuration    *prom.HistogramVec
	resolveDuration  *prom.HistogramVec
	broadcastLatency prom.Histogram
	toolRuns         *prom.CounterVec
	eventsAppended   *prom.CounterVec
	busPublishes     *prom.CounterVec
	ticketVerdicts   *prom.CounterVec
	connections      prom.Gauge
	subscriptions    prom.Gauge
	framesDropped    prom.Counter
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "specbench",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual pipeline stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"})
		pr.resolveDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "specbench",
			Name:      "resolve_duration_seconds",
			Help:      "End-to-end spec resolve duration",
			Buckets:   prom.DefBuckets,
		}, []string{"result"})
		pr.broadcastLatency = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "specbench",
			Name:      "broadcast_latency_seconds",
			Help:      "Fan-out broadcast latency across all subscribers",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		})
		pr.toolRuns = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "specbench",
			Name:      "tool_runs_total",
			Help:      "External tool invocations by tool and result",
		}, []string{"tool", "result"})
		pr.eventsAppended = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "specbench",
			Name:      "events_appended_total",
			Help:      "Journal events appended by type",
		}, []string{"type"})
		pr.busPublishes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "specbench",
			Name:      "bus_publishes_total",
			Help:      "External bus publish attempts by result",
		}, []string{"result"})
		pr.ticketVerdicts = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "specbench",
			Name:      "ticket_verdicts_total",
			Help:      "Ticket verification verdicts",
		}, []string{"verdict"})
		pr.connections = prom.NewGauge(prom.GaugeOpts{
			Namespace: "specbench",
			Name:      "fabric_connections",
			Help:      "Live duplex connections",
		})
		pr.subscriptions = prom.NewGauge(prom.GaugeOpts{
			Namespace: "specbench",
			Name:      "fabric_subscriptions",
			Help:      "Active project subscriptions across all connections",
		})
		pr.framesDropped = prom.NewCounter(prom.CounterOpts{
			Namespace: "specbench",
			Name:      "fabric_frames_dropped_total",
			Help:      "Frames dropped because a consumer queue was full",
		})
		reg.MustRegister(pr.stageDuration, pr.resolveDuration, pr.broadcastLatency,
			pr.toolRuns, pr.eventsAppended, pr.busPublishes, pr.ticketVerdicts,
			pr.connections, pr.subscriptions, pr.framesDropped)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveResolveDuration(d time.Duration, ok bool) {
	if p == nil || p.resolveDuration == nil {
		return
	}
	res := "failure"
	if ok {
		res = "success"
	}
	p.resolveDuration.WithLabelValues(res).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveBroadcastLatency(d time.Duration) {
	if p == nil || p.broadcastLatency == nil {
		return
	}
	p.broadcastLatency.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncToolRun(tool string, result ResultLabel) {
	if p == nil || p.toolRuns == nil {
		return
	}
	p.toolRuns.WithLabelValues(tool, string(result)).Inc()
}

func (p *PrometheusRecorder) IncEventAppended(eventType string) {
	if p == nil || p.eventsAppended == nil {
		return
	}
	p.eventsAppended.WithLabelValues(eventType).Inc()
}

func (p *PrometheusRecorder) IncBusPublish(result ResultLabel) {
	if p == nil || p.busPublishes == nil {
		return
	}
	p.busPublishes.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) IncTicketVerdict(verdict string) {
	if p == nil || p.ticketVerdicts == nil {
		return
	}
	p.ticketVerdicts.WithLabelValues(verdict).Inc()
}

func (p *PrometheusRecorder) SetConnections(n int) {
	if p == nil || p.connections == nil {
		return
	}
	p.connections.Set(float64(n))
}

func (p *PrometheusRecorder) SetSubscriptions(n int) {
	if p == nil || p.subscriptions == nil {
		return
	}
	p.subscriptions.Set(float64(n))
}

func (p *PrometheusRecorder) IncFrameDropped() {
	if p == nil || p.framesDropped == nil {
		return
	}
	p.framesDropped.Inc()
}
