package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// productMethods is the set of RPC methods that mutate product data and
// must invalidate every depot's uptodate markers once they succeed.
var productMethods = map[string]bool{
	"createProduct":                     true,
	"createNetBootProduct":              true,
	"createLocalBootProduct":            true,
	"createProductDependency":           true,
	"deleteProductDependency":           true,
	"product_delete":                    true,
	"product_deleteObjects":             true,
	"product_createObjects":             true,
	"product_insertObject":              true,
	"product_updateObject":              true,
	"product_updateObjects":             true,
	"productDependency_create":          true,
	"productDependency_createObjects":   true,
	"productDependency_delete":          true,
	"productDependency_deleteObjects":   true,
	"productOnDepot_delete":             true,
	"productOnDepot_create":             true,
	"productOnDepot_deleteObjects":      true,
	"productOnDepot_createObjects":      true,
	"productOnDepot_insertObject":       true,
	"productOnDepot_updateObject":       true,
	"productOnDepot_updateObjects":      true,
}

const (
	cacheExpire         = 24 * time.Hour
	cacheExpireUpToDate = 24 * time.Hour
	// callTimeToCache is the measured-duration threshold beyond which a
	// getProductOrdering result is worth caching.
	callTimeToCache = 500 * time.Millisecond
)

// ProductOrderingCache implements §4.F steps 4 and 6 for getProductOrdering:
// a two-marker uptodate check gating a cheap sorted-set read, and a
// duration-gated write-through after a slow call.
type ProductOrderingCache struct {
	client *redis.Client
}

// NewProductOrderingCache builds a ProductOrderingCache over client.
func NewProductOrderingCache(client *redis.Client) *ProductOrderingCache {
	return &ProductOrderingCache{client: client}
}

func productsKey(depot string) string       { return fmt.Sprintf("confd:jsonrpccache:%s:products", depot) }
func sortedKey(depot, algo string) string   { return fmt.Sprintf("confd:jsonrpccache:%s:products:%s", depot, algo) }
func uptodateKey(depot string) string       { return fmt.Sprintf("confd:jsonrpccache:%s:products:uptodate", depot) }
func sortedUptodateKey(depot, algo string) string {
	return fmt.Sprintf("confd:jsonrpccache:%s:products:%s:uptodate", depot, algo)
}
func depotsSetKey() string { return "confd:jsonrpccache:depots" }

// Ordering is the cached shape of a getProductOrdering result.
type Ordering struct {
	NotSorted []string `json:"not_sorted"`
	Sorted    []string `json:"sorted"`
}

// Lookup returns a cached ordering for depot/algorithm if both uptodate
// markers exist and outdated is false, per §4.F step 4.
func (c *ProductOrderingCache) Lookup(ctx context.Context, depot, algorithm string, outdated bool) (*Ordering, bool, error) {
	if outdated {
		return nil, false, nil
	}
	pipe := c.client.Pipeline()
	productsUpToDate := pipe.Exists(ctx, uptodateKey(depot))
	sortedUpToDate := pipe.Exists(ctx, sortedUptodateKey(depot, algorithm))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, false, err
	}
	if productsUpToDate.Val() == 0 || sortedUpToDate.Val() == 0 {
		return nil, false, nil
	}

	pipe = c.client.Pipeline()
	notSorted := pipe.ZRange(ctx, productsKey(depot), 0, -1)
	sorted := pipe.ZRange(ctx, sortedKey(depot, algorithm), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, err
	}
	return &Ordering{NotSorted: notSorted.Val(), Sorted: sorted.Val()}, true, nil
}

// Store writes an ordering result for depot/algorithm and records the depot
// in the known-depots set, per §4.F step 6.
func (c *ProductOrderingCache) Store(ctx context.Context, depot, algorithm string, ordering *Ordering) error {
	now := time.Now().Unix()
	pipe := c.client.TxPipeline()

	pipe.Del(ctx, productsKey(depot))
	for i, p := range ordering.NotSorted {
		pipe.ZAdd(ctx, productsKey(depot), redis.Z{Score: float64(i), Member: p})
	}
	pipe.Del(ctx, sortedKey(depot, algorithm))
	for i, p := range ordering.Sorted {
		pipe.ZAdd(ctx, sortedKey(depot, algorithm), redis.Z{Score: float64(i), Member: p})
	}

	pipe.Expire(ctx, productsKey(depot), cacheExpire)
	pipe.Expire(ctx, sortedKey(depot, algorithm), cacheExpire)
	pipe.Set(ctx, uptodateKey(depot), now, cacheExpireUpToDate)
	pipe.Set(ctx, sortedUptodateKey(depot, algorithm), now, cacheExpireUpToDate)
	pipe.SAdd(ctx, depotsSetKey(), depot)

	_, err := pipe.Exec(ctx)
	return err
}

// InvalidateAllDepots drops every known depot's uptodate markers, called
// asynchronously after any productMethods call succeeds.
func (c *ProductOrderingCache) InvalidateAllDepots(ctx context.Context) error {
	depots, err := c.client.SMembers(ctx, depotsSetKey()).Result()
	if err != nil {
		return err
	}
	if len(depots) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, depot := range depots {
		pipe.Del(ctx, uptodateKey(depot))
		pipe.Del(ctx, sortedUptodateKey(depot, "algorithm1"))
		pipe.Del(ctx, sortedUptodateKey(depot, "algorithm2"))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// PurgeDepot drops the entire per-depot cache family, used by
// deleteDepot/host_delete per §4.F step 6.
func (c *ProductOrderingCache) PurgeDepot(ctx context.Context, depot string) error {
	pipe := c.client.Pipeline()
	pipe.Del(ctx, productsKey(depot))
	pipe.Del(ctx, uptodateKey(depot))
	pipe.Del(ctx, sortedKey(depot, "algorithm1"))
	pipe.Del(ctx, sortedUptodateKey(depot, "algorithm1"))
	pipe.Del(ctx, sortedKey(depot, "algorithm2"))
	pipe.Del(ctx, sortedUptodateKey(depot, "algorithm2"))
	pipe.SRem(ctx, depotsSetKey(), depot)
	_, err := pipe.Exec(ctx)
	return err
}

// IsProductMethod reports whether method mutates product data.
func IsProductMethod(method string) bool {
	return productMethods[method]
}
