package report

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink counts events.
type PrometheusSink struct {
	cacheRequests *prometheus.CounterVec
	cacheErrors   *prometheus.CounterVec
	syncTasks     *prometheus.CounterVec
	speculation   *prometheus.CounterVec
	hitRate       prometheus.Gauge
}

// NewPrometheusSink registers the collectors on the given registerer.
func NewPrometheusSink(reg prometheus.Registerer, namespace string) (*PrometheusSink, error) {
	p := &PrometheusSink{
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Intercepted requests by class, strategy and outcome.",
		}, []string{"class", "strategy", "outcome"}),
		cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "storage_events_total",
			Help:      "Storage failures and emergency purges by partition.",
		}, []string{"partition", "event"}),
		syncTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "tasks_total",
			Help:      "Sync queue task transitions.",
		}, []string{"outcome"}),
		speculation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "speculation",
			Name:      "events_total",
			Help:      "Speculation hits, misses and advisories.",
		}, []string{"outcome"}),
		hitRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "speculation",
			Name:      "hit_rate",
			Help:      "Share of navigations that were speculated.",
		}),
	}
	for _, c := range []prometheus.Collector{p.cacheRequests, p.cacheErrors, p.syncTasks, p.speculation, p.hitRate} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *PrometheusSink) Report(e Event) {
	prefix, outcome, _ := strings.Cut(string(e.Kind), ".")
	switch prefix {
	case "cache":
		switch e.Kind {
		case CacheStoreFailed, CachePurged:
			p.cacheErrors.WithLabelValues(e.Partition, outcome).Inc()
		default:
			p.cacheRequests.WithLabelValues(e.Class, e.Strategy, outcome).Inc()
		}
	case "sync":
		p.syncTasks.WithLabelValues(outcome).Inc()
	case "speculation":
		p.speculation.WithLabelValues(outcome).Inc()
		if e.Samples > 0 {
			p.hitRate.Set(e.HitRate)
		}
	}
}
