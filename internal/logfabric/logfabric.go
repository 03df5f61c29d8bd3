// Package logfabric mirrors log records onto a Redis stream per node, so the
// log-viewer CLI and remote operators can tail logs without shell access to
// the host the arbiter is running on.
package logfabric

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/uib-gmbh/confd/internal/redisfabric"
)

// DefaultMaxLen caps each node's log stream length, trimmed approximately
// on every write so the stream never grows unbounded.
const DefaultMaxLen = 10000

// Record is one structured log line mirrored to the stream.
type Record struct {
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Node      string    `json:"node"`
	ClientID  string    `json:"client_id,omitempty"`
	Fields    string    `json:"fields,omitempty"`
}

// Sink is a zerolog-compatible io.Writer that also XADDs every write to the
// node's Redis log stream, so a single call to a logger populates both the
// local console and the central log fabric.
type Sink struct {
	client *redis.Client
	node   string
	maxLen int64
}

// NewSink builds a Sink for node, writing to confd:log:<node>.
func NewSink(client *redis.Client, node string) *Sink {
	return &Sink{client: client, node: node, maxLen: DefaultMaxLen}
}

func (s *Sink) streamKey() string {
	return redisfabric.Key("log", s.node)
}

// Write implements io.Writer. It never returns an error for a failed XADD:
// losing a log line to the stream must not crash the logger that's trying
// to report something else going wrong.
func (s *Sink) Write(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_ = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey(),
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{"line": string(p), "node": s.node},
	}).Err()

	return len(p), nil
}

// Tail reads up to count most recent log lines for node, newest last,
// implementing the log-viewer CLI subcommand's non-follow mode.
func Tail(ctx context.Context, client *redis.Client, node string, count int64) ([]Record, error) {
	key := redisfabric.Key("log", node)
	entries, err := client.XRevRangeN(ctx, key, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		line, _ := entry.Values["line"].(string)
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			rec = Record{Message: line, Node: node}
		}
		records = append(records, rec)
	}
	return records, nil
}

// Follow streams new log lines for node as they're written, blocking on
// XREAD until ctx is cancelled. Used by the log-viewer CLI's follow mode.
func Follow(ctx context.Context, client *redis.Client, node string, out chan<- Record) error {
	key := redisfabric.Key("log", node)
	lastID := "$"

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Block:   5 * time.Second,
			Count:   100,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				line, _ := entry.Values["line"].(string)
				var rec Record
				if err := json.Unmarshal([]byte(line), &rec); err != nil {
					rec = Record{Message: line, Node: node}
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}
