// Package telemetry buffers in-process metric observations and flushes them
// to Redis time-series once a second, with a downsampling ladder set up for
// each series the first time it is observed, so long-range queries are served from pre-aggregated
// buckets instead of the raw series.
package telemetry

import "time"

// Bucket is one rung of a metric's downsampling ladder: an aggregation
// window and how long samples at that resolution are retained.
type Bucket struct {
	Suffix    string
	Window    time.Duration
	Retention time.Duration
}

// DefaultLadder is the downsampling ladder every metric in this service
// uses: per-minute buckets for a day, hourly for two months, daily for four
// years.
var DefaultLadder = []Bucket{
	{Suffix: "minute", Window: time.Minute, Retention: 24 * time.Hour},
	{Suffix: "hour", Window: time.Hour, Retention: 60 * 24 * time.Hour},
	{Suffix: "day", Window: 24 * time.Hour, Retention: 4 * 365 * 24 * time.Hour},
}

// Metric declares one time series family: an id, the label keys it
// carries, and the downsampling ladder to create rules for.
type Metric struct {
	ID     string
	Labels []string
	Ladder []Bucket
}

// MetricAvgRPCNumber and MetricAvgRPCDuration are the two worker metrics
// named in §4.H; any other Metric value can be passed to Collector.Observe.
var (
	MetricAvgRPCNumber = Metric{
		ID:     "worker:avg_rpc_number",
		Labels: []string{"node_name", "worker_num"},
		Ladder: DefaultLadder,
	}
	MetricAvgRPCDuration = Metric{
		ID:     "worker:avg_rpc_duration",
		Labels: []string{"node_name", "worker_num", "client_addr"},
		Ladder: DefaultLadder,
	}
)
