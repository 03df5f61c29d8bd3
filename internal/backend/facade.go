// Package backend is the RPC-method backend facade: the single point where
// the JSON-RPC dispatcher and the auth gate reach into the relational object
// store, with a generic result-caching helper layered on top the way the
// original's backend/rpc/general.py cached its licensing-info lookup.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/uib-gmbh/confd/internal/backend/objectstore"
	"github.com/uib-gmbh/confd/internal/redisfabric"
)

// userObject and hostObject name the object types the facade reads
// credentials from. The relational schema these map onto is out of scope;
// the facade only needs the Ident/Payload shape objectstore already gives it.
const (
	userObject = objectstore.ObjectType("User")
	hostObject = objectstore.ObjectType("Host")
)

type userPayload struct {
	PasswordHash string `json:"password_hash"`
	IsAdmin      bool   `json:"is_admin"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type hostPayload struct {
	OpsiHostKey string `json:"opsi_host_key"`
}

// Facade wraps an objectstore.Store with a Redis-backed call cache, and
// implements authgate.CredentialStore so the access gate never has to know
// about the relational backend directly.
type Facade struct {
	store  objectstore.Store
	cache  *redis.Client
	prefix string
}

// New builds a Facade over store, caching results in client under the
// "confd:cache:" namespace.
func New(store objectstore.Store, client *redis.Client) *Facade {
	return &Facade{store: store, cache: client, prefix: "cache"}
}

func (f *Facade) cacheKey(key string) string {
	return redisfabric.Key(f.prefix, key)
}

// CachedCall returns the cached JSON result for key if present and
// unexpired, otherwise calls fn, stores its result for ttl, and returns it.
// fn's result must be JSON-marshalable. This is the generalized form of the
// original's one-off licensing-info cache: any expensive, infrequently
// changing backend lookup can be wrapped in it.
func (f *Facade) CachedCall(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	rk := f.cacheKey(key)

	if cached, err := f.cache.Get(ctx, rk).Bytes(); err == nil {
		return json.RawMessage(cached), nil
	} else if err != redis.Nil {
		return nil, err
	}

	result, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	if err := f.cache.Set(ctx, rk, encoded, ttl).Err(); err != nil {
		return nil, err
	}
	return encoded, nil
}

// PurgeCache deletes a single cached entry, used after a mutating RPC call
// invalidates a previously cached read.
func (f *Facade) PurgeCache(ctx context.Context, key string) error {
	return f.cache.Del(ctx, f.cacheKey(key)).Err()
}

// PasswordHash implements authgate.CredentialStore.
func (f *Facade) PasswordHash(ctx context.Context, username string) (string, bool, bool, error) {
	objects, err := f.store.GetObjects(ctx, userObject, objectstore.Filter{"username": username}, 1)
	if err != nil {
		return "", false, false, err
	}
	if len(objects) == 0 {
		return "", false, false, fmt.Errorf("user %q not found", username)
	}
	var p userPayload
	if err := json.Unmarshal(objects[0].Payload, &p); err != nil {
		return "", false, false, err
	}
	return p.PasswordHash, p.IsAdmin, p.IsReadOnly, nil
}

// HostSecret implements authgate.CredentialStore.
func (f *Facade) HostSecret(ctx context.Context, hostID string) (string, bool, error) {
	objects, err := f.store.GetObjects(ctx, hostObject, objectstore.Filter{"id": hostID}, 1)
	if err != nil {
		return "", false, err
	}
	if len(objects) == 0 {
		return "", false, nil
	}
	var p hostPayload
	if err := json.Unmarshal(objects[0].Payload, &p); err != nil {
		return "", false, err
	}
	return p.OpsiHostKey, true, nil
}

// UpdateHostObjectAsync fires a best-effort, asynchronous update of a host's
// object record on a detached goroutine with its own bounded context,
// matching the original's thread-pool-dispatched update_host_object: a
// failure here is logged by the caller's logger hook, never surfaced to the
// request that triggered it.
func (f *Facade) UpdateHostObjectAsync(hostID string, payload any, onError func(error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		encoded, err := objectstore.MarshalPayload(payload)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		err = f.store.UpdateObject(ctx, objectstore.Object{
			Type:    hostObject,
			Ident:   hostID,
			Payload: encoded,
		})
		if err != nil && onError != nil {
			onError(err)
		}
	}()
}

// GetObjects is a thin passthrough used by RPC methods that need a raw
// filtered read without caching.
func (f *Facade) GetObjects(ctx context.Context, objType objectstore.ObjectType, filter objectstore.Filter, limit int) ([]objectstore.Object, error) {
	return f.store.GetObjects(ctx, objType, filter, limit)
}
