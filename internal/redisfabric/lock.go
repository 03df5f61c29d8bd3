package redisfabric

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned by Acquire when acquireTimeout elapses without
// obtaining the lock.
type ErrLockTimeout struct {
	Name    string
	Timeout time.Duration
}

func (e *ErrLockTimeout) Error() string {
	return fmt.Sprintf("failed to acquire %q lock in %s", e.Name, e.Timeout)
}

// Lock is a Redis SETNX-based distributed lock. Release verifies the stored
// identifier matches the one it acquired before deleting the key, so a lock
// that expired and was re-acquired by someone else is never released out
// from under them.
type Lock struct {
	client     *redis.Client
	key        string
	identifier string
}

// Acquire polls for lock ownership of name, sleeping 500ms between
// attempts, and fails with ErrLockTimeout once acquireTimeout has elapsed.
// When lockTimeout is non-zero the key carries a PEXPIRE so a crashed holder
// cannot wedge the lock forever.
func Acquire(ctx context.Context, client *redis.Client, name string, acquireTimeout, lockTimeout time.Duration) (*Lock, error) {
	key := Key("locks", name)
	identifier := uuid.New().String()
	deadline := time.Now().Add(acquireTimeout)

	for {
		ok, err := client.SetNX(ctx, key, identifier, 0).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			if lockTimeout > 0 {
				if err := client.PExpire(ctx, key, lockTimeout).Err(); err != nil {
					return nil, err
				}
			}
			return &Lock{client: client, key: key, identifier: identifier}, nil
		}
		if time.Now().After(deadline) {
			return nil, &ErrLockTimeout{Name: name, Timeout: acquireTimeout}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Release deletes the lock key if and only if it still holds the identifier
// this Lock acquired, retrying the WATCH/MULTI transaction on a WatchError
// caused by concurrent modification.
func (l *Lock) Release(ctx context.Context) error {
	for {
		err := l.client.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, l.key).Result()
			if err == redis.Nil {
				return nil
			}
			if err != nil {
				return err
			}
			if val != l.identifier {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, l.key)
				return nil
			})
			return err
		}, l.key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
}
