package telemetry

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// seriesKey is the base time-series key for a metric: "confd:ts:<id>"
// followed by each non-empty node_name, worker_num and client_addr label
// value, in that order, each after a colon.
func seriesKey(metricID string, labelValues map[string]string) string {
	key := "confd:ts:" + metricID
	for _, name := range []string{"node_name", "worker_num", "client_addr"} {
		if v, ok := labelValues[name]; ok && v != "" {
			key += ":" + v
		}
	}
	return key
}

func ruleKey(base, suffix string) string {
	return base + ":" + suffix
}

// SetupLadder creates a metric's base series and its downsampling rule
// series. Collector.Observe runs it once per series, the first time that
// series is observed in the process; nothing runs it at service start.
// TS.CREATE/TS.CREATERULE errors for an already-existing series are
// swallowed, matching the original's idempotent ladder setup on every
// restart.
func SetupLadder(ctx context.Context, client *redis.Client, metricID string, labelValues map[string]string, ladder []Bucket) error {
	base := seriesKey(metricID, labelValues)

	if err := client.Do(ctx, "TS.CREATE", base,
		"DUPLICATE_POLICY", "LAST",
		"LABELS", "metric", metricID).Err(); err != nil && !isExistsErr(err) {
		return err
	}

	for _, bucket := range ladder {
		ruleTarget := ruleKey(base, bucket.Suffix)
		if err := client.Do(ctx, "TS.CREATE", ruleTarget,
			"RETENTION", bucket.Retention.Milliseconds(),
			"DUPLICATE_POLICY", "LAST",
			"LABELS", "metric", metricID, "bucket", bucket.Suffix).Err(); err != nil && !isExistsErr(err) {
			return err
		}
		if err := client.Do(ctx, "TS.CREATERULE", base, ruleTarget,
			"AGGREGATION", "AVG", bucket.Window.Milliseconds()).Err(); err != nil && !isExistsErr(err) {
			return err
		}
	}
	return nil
}

func isExistsErr(err error) bool {
	return err != nil && (containsAny(err.Error(), "already exists", "TSDB: key already exists"))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

// BestTier picks the finest-resolution bucket in ladder whose retention
// still covers rangeDuration, falling back to the coarsest bucket if none
// does, per the Grafana query endpoint's tier-selection rule.
func BestTier(ladder []Bucket, rangeDuration time.Duration) Bucket {
	for _, bucket := range ladder {
		if bucket.Retention >= rangeDuration {
			return bucket
		}
	}
	return ladder[len(ladder)-1]
}
