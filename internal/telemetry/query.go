package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueryRequest is the body /metrics/grafana/query accepts: a Grafana
// simple-json-datasource-style range query.
type QueryRequest struct {
	Metric string            `json:"metric"`
	Labels map[string]string `json:"labels,omitempty"`
	From   time.Time         `json:"from"`
	To     time.Time         `json:"to"`
	// IntervalMs is the requested aggregation interval; points are
	// aggregated further to match it when the selected tier is finer.
	IntervalMs int64 `json:"interval_ms"`
	// PerSecond divides raw points by 5 to normalize request-count style
	// metrics pre-aggregated in 5-second windows into a per-second rate.
	PerSecond bool `json:"per_second,omitempty"`
}

// Point is one [timestamp_ms, value] sample in a query response.
type Point struct {
	Timestamp int64   `json:"t"`
	Value     float64 `json:"v"`
}

// QueryHandler serves /metrics/grafana/query, selecting the best matching
// downsampling tier for the requested range.
type QueryHandler struct {
	client *redis.Client
	ladder []Bucket
}

// NewQueryHandler builds a QueryHandler reading from client using ladder to
// select tiers (DefaultLadder if the caller has no metric-specific one).
func NewQueryHandler(client *redis.Client, ladder []Bucket) *QueryHandler {
	if ladder == nil {
		ladder = DefaultLadder
	}
	return &QueryHandler{client: client, ladder: ladder}
}

func (h *QueryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed query", http.StatusBadRequest)
		return
	}

	rangeDuration := req.To.Sub(req.From)
	tier := BestTier(h.ladder, rangeDuration)
	key := ruleKey(seriesKey(req.Metric, req.Labels), tier.Suffix)
	if rangeDuration <= tier.Window {
		key = seriesKey(req.Metric, req.Labels)
	}

	points, err := h.rangeQuery(r.Context(), key, req.From, req.To, req.IntervalMs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if req.PerSecond {
		for i := range points {
			points[i].Value /= 5
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(points)
}

func (h *QueryHandler) rangeQuery(ctx context.Context, key string, from, to time.Time, intervalMs int64) ([]Point, error) {
	args := []any{"TS.RANGE", key, from.UnixMilli(), to.UnixMilli()}
	if intervalMs > 0 {
		args = append(args, "AGGREGATION", "avg", intervalMs)
	}
	res, err := h.client.Do(ctx, args...).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	rows, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	points := make([]Point, 0, len(rows))
	for _, row := range rows {
		pair, ok := row.([]interface{})
		if !ok || len(pair) != 2 {
			continue
		}
		ts, _ := toInt64(pair[0])
		val, _ := toFloat64(pair[1])
		points = append(points, Point{Timestamp: ts, Value: val})
	}
	return points, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		return parsed, err == nil
	}
	return 0, false
}
