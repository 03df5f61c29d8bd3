// Package redisfabric manages the shared Redis connection pool and the key
// layout conventions used by every other component that talks to Redis.
package redisfabric

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// KeyPrefix is the root namespace all keys live under.
const KeyPrefix = "confd"

// Fabric owns one *redis.Client per configured database and centralizes the
// retry-on-BUSY/connection-error behaviour every caller needs.
type Fabric struct {
	mu      sync.Mutex
	clients map[string]*redis.Client
	newOpts func(db int) *redis.Options
}

// New builds a Fabric that dials addr with the given password, lazily
// creating one pooled client per db on first use.
func New(addr, password string) *Fabric {
	return &Fabric{
		clients: make(map[string]*redis.Client),
		newOpts: func(db int) *redis.Options {
			return &redis.Options{
				Addr:     addr,
				Password: password,
				DB:       db,
			}
		},
	}
}

// Client returns the pooled client for db, pinging it the first time it is
// created so a dead Redis is discovered at startup rather than on first use.
func (f *Fabric) Client(ctx context.Context, db int) (*redis.Client, error) {
	key := fmt.Sprintf("db%d", db)

	f.mu.Lock()
	client, ok := f.clients[key]
	if !ok {
		client = redis.NewClient(f.newOpts(db))
		f.clients[key] = client
	}
	f.mu.Unlock()

	if !ok {
		if err := RetryOnTransient(ctx, func() error { return client.Ping(ctx).Err() }); err != nil {
			return nil, fmt.Errorf("connect redis db %d: %w", db, err)
		}
	}
	return client, nil
}

// Close closes every pooled client. Intended for process shutdown.
func (f *Fabric) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, c := range f.clients {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Str("pool", key).Msg("redis client close failed")
		}
	}
}

// RetryOnTransient retries fn while it fails with a loading or connection
// error, sleeping two seconds between attempts, matching the fabric's
// tolerance for a Redis instance that is still loading its RDB/AOF file on
// startup or briefly unreachable during a failover.
func RetryOnTransient(ctx context.Context, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "LOADING") ||
		strings.Contains(strings.ToLower(msg), "connection refused") ||
		strings.Contains(strings.ToLower(msg), "connection reset") ||
		strings.Contains(strings.ToLower(msg), "i/o timeout")
}

// Key joins parts under the shared namespace, e.g. Key("sessions", ip, sid)
// yields "confd:sessions:<ip>:<sid>".
func Key(parts ...string) string {
	return KeyPrefix + ":" + strings.Join(parts, ":")
}

// IPToKeyPart rewrites an IPv6 address so it can appear inside a single
// colon-delimited Redis key segment without its own colons being mistaken
// for segment separators.
func IPToKeyPart(ip string) string {
	if strings.Contains(ip, ":") {
		return strings.ReplaceAll(ip, ":", ".")
	}
	return ip
}

// IPFromKeyPart reverses IPToKeyPart.
func IPFromKeyPart(part string) string {
	if restored := strings.ReplaceAll(part, ".", ":"); net.ParseIP(part) == nil && net.ParseIP(restored) != nil {
		return restored
	}
	return part
}

// DeleteRecursively unlinks key and every key under the "key:*" namespace,
// pipelined, matching the fabric's bulk-purge idiom used by cache
// invalidation and session wipes.
func DeleteRecursively(ctx context.Context, client *redis.Client, key string) error {
	var toDelete []string
	iter := client.Scan(ctx, 0, key+":*", 0).Iterator()
	for iter.Next(ctx) {
		toDelete = append(toDelete, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}

	pipe := client.Pipeline()
	for _, k := range toDelete {
		pipe.Unlink(ctx, k)
	}
	pipe.Unlink(ctx, key)
	_, err := pipe.Exec(ctx)
	return err
}
