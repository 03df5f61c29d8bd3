package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// sample is one buffered observation awaiting its next flush.
type sample struct {
	metricID    string
	labelValues map[string]string
	value       float64
}

// Collector buffers observations in memory and flushes them to Redis
// time-series every second, per §4.H.
type Collector struct {
	client *redis.Client
	log    zerolog.Logger

	mu      sync.Mutex
	pending []sample
	known   map[string]bool
}

// NewCollector builds a Collector publishing through client.
func NewCollector(client *redis.Client, log zerolog.Logger) *Collector {
	return &Collector{client: client, log: log, known: map[string]bool{}}
}

// Observe buffers a single sample for the next flush, lazily running
// SetupLadder the first time a given metric/label combination is seen.
func (c *Collector) Observe(ctx context.Context, m Metric, labelValues map[string]string, value float64) {
	c.mu.Lock()
	key := seriesKey(m.ID, labelValues)
	if !c.known[key] {
		c.known[key] = true
		go func() {
			if err := SetupLadder(ctx, c.client, m.ID, labelValues, m.Ladder); err != nil {
				c.log.Warn().Err(err).Str("metric", m.ID).Msg("failed to set up downsampling ladder")
			}
		}()
	}
	c.pending = append(c.pending, sample{metricID: m.ID, labelValues: copyLabels(labelValues), value: value})
	c.mu.Unlock()
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Run flushes buffered samples to Redis every second until ctx is
// cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.flush(context.Background())
			return
		case <-ticker.C:
			c.flush(ctx)
		}
	}
}

func (c *Collector) flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	now := time.Now().UnixMilli()
	pipe := c.client.Pipeline()
	for _, s := range batch {
		key := seriesKey(s.metricID, s.labelValues)
		pipe.Do(ctx, "TS.ADD", key, now, s.value, "ON_DUPLICATE", "LAST")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn().Err(err).Msg("failed to flush telemetry batch")
	}
}
