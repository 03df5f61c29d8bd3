package telemetry

import (
	"context"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
)

// ProcessFeeder gathers prometheus.ProcessCollector/GoCollector samples
// into a private registry (never exposed as an HTTP /metrics surface) and
// folds them into the telemetry Collector's flush batch, so runtime
// resource usage rides the same Redis-TS pipeline as every other metric
// instead of needing its own scrape endpoint.
type ProcessFeeder struct {
	registry  *prometheus.Registry
	collector *Collector
	node      string
	workerNum int
}

// NewProcessFeeder builds a ProcessFeeder registering the standard process
// and Go runtime collectors into a registry private to this feeder.
func NewProcessFeeder(collector *Collector, node string, workerNum int) *ProcessFeeder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	registry.MustRegister(prometheus.NewGoCollector())
	return &ProcessFeeder{registry: registry, collector: collector, node: node, workerNum: workerNum}
}

// Run gathers and feeds samples into the collector every interval until ctx
// is cancelled.
func (f *ProcessFeeder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.gatherOnce(ctx)
		}
	}
}

func (f *ProcessFeeder) gatherOnce(ctx context.Context) {
	families, err := f.registry.Gather()
	if err != nil {
		return
	}
	labels := map[string]string{"node_name": f.node}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			value, ok := extractValue(metric)
			if !ok {
				continue
			}
			f.collector.Observe(ctx, Metric{ID: "process:" + family.GetName(), Labels: []string{"node_name"}, Ladder: DefaultLadder}, labels, value)
		}
	}
}

// rssRegistry is a private registry dedicated to sampling the running
// process's own resident set size, reused by worker heartbeats so they
// don't need a separate OS-level memory-reading mechanism.
var rssRegistry = func() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return r
}()

// CurrentRSSBytes samples process_resident_memory_bytes from the shared
// process collector, returning 0 if the platform doesn't expose it.
func CurrentRSSBytes() int64 {
	families, err := rssRegistry.Gather()
	if err != nil {
		return 0
	}
	for _, family := range families {
		if family.GetName() != "process_resident_memory_bytes" {
			continue
		}
		for _, metric := range family.GetMetric() {
			if value, ok := extractValue(metric); ok {
				return int64(value)
			}
		}
	}
	return 0
}

func extractValue(m *dto.Metric) (float64, bool) {
	switch {
	case m.Gauge != nil:
		return m.Gauge.GetValue(), true
	case m.Counter != nil:
		return m.Counter.GetValue(), true
	default:
		return 0, false
	}
}
