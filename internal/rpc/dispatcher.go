package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	apperrors "github.com/uib-gmbh/confd/internal/errors"
)

// Call is a single JSON-RPC request element, before or after batching.
type Call struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Result is a single JSON-RPC response element.
type Result struct {
	JSONRPC string               `json:"jsonrpc,omitempty"`
	ID      any                  `json:"id"`
	Result  any                  `json:"result,omitempty"`
	Error   *apperrors.RPCError  `json:"error,omitempty"`
}

// recordCap bounds the in-memory-mirrored RPC call log list.
const recordCap = 9999

// Dispatcher executes JSON-RPC calls against a Registry, applying ACL
// enforcement, the product-ordering cache, deprecation tracking, and call
// recording, per §4.F.
type Dispatcher struct {
	registry *Registry
	cache    *ProductOrderingCache
	client   *redis.Client
	log      zerolog.Logger
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(registry *Registry, cache *ProductOrderingCache, client *redis.Client, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, cache: cache, client: client, log: log}
}

// DispatchBatch runs every call in calls independently: per §4.F's error
// policy, one call's failure never fails its siblings.
func (d *Dispatcher) DispatchBatch(ctx context.Context, p Principal, calls []Call, includeDetail bool) []Result {
	results := make([]Result, len(calls))
	for i, call := range calls {
		results[i] = d.Dispatch(ctx, p, call, includeDetail)
	}
	return results
}

// Dispatch runs the 8-step algorithm of §4.F for a single call.
func (d *Dispatcher) Dispatch(ctx context.Context, p Principal, call Call, includeDetail bool) Result {
	start := time.Now()
	result := Result{JSONRPC: call.JSONRPC, ID: call.ID}

	// 1. Method lookup.
	desc := d.registry.Lookup(call.Method)
	if desc == nil {
		result.Error = errorOf(apperrors.ErrMethodUnknown, includeDetail, nil)
		return result
	}

	// 2. Argument coercion.
	params, err := desc.CoerceParams(call.Params)
	if err != nil {
		result.Error = errorOf(apperrors.ErrBadParams, includeDetail, err)
		return result
	}

	// 3. ACL enforcement.
	attrs := positionalAttrs(desc, params)
	if !CheckACL(desc.ACL, p, attrs) {
		result.Error = errorOf(apperrors.ErrPermissionDenied, includeDetail, nil)
		return result
	}

	// 4. Cache read (product ordering only).
	if call.Method == "getProductOrdering" && d.cache != nil && len(params) >= 1 {
		depot, _ := params[0].(string)
		algorithm := "algorithm1"
		if len(params) >= 2 {
			if a, ok := params[1].(string); ok && a != "" {
				algorithm = a
			}
		}
		if cached, hit, err := d.cache.Lookup(ctx, depot, algorithm, false); err == nil && hit {
			result.Result = cached
			return result
		}
	}

	// 5. Execution.
	value, callErr := desc.Handler(ctx, params)
	duration := time.Since(start)

	if callErr != nil {
		result.Error = errorOf(callErr, includeDetail, callErr)
		d.record(ctx, call.Method, duration, false)
		return result
	}
	result.Result = value

	// 6. Cache write.
	d.applyCacheWrite(ctx, call, params, value, duration)

	// 7. Deprecation.
	if desc.Deprecated {
		d.recordDeprecation(ctx, call.Method)
	}

	// 8. Recording.
	d.record(ctx, call.Method, duration, true)

	return result
}

func (d *Dispatcher) applyCacheWrite(ctx context.Context, call Call, params []any, value any, duration time.Duration) {
	if d.cache == nil {
		return
	}
	if IsProductMethod(call.Method) {
		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.cache.InvalidateAllDepots(bgCtx); err != nil {
				d.log.Warn().Err(err).Msg("failed to invalidate product ordering cache")
			}
		}()
		return
	}
	if call.Method == "deleteDepot" || call.Method == "host_delete" {
		if len(params) >= 1 {
			if depot, ok := params[0].(string); ok {
				go func() {
					bgCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := d.cache.PurgeDepot(bgCtx, depot); err != nil {
						d.log.Warn().Err(err).Msg("failed to purge depot cache")
					}
				}()
			}
		}
		return
	}
	if call.Method == "getProductOrdering" && duration > callTimeToCache && len(params) >= 1 {
		depot, _ := params[0].(string)
		algorithm := "algorithm1"
		if len(params) >= 2 {
			if a, ok := params[1].(string); ok && a != "" {
				algorithm = a
			}
		}
		ordering, ok := toOrdering(value)
		if !ok {
			return
		}
		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.cache.Store(bgCtx, depot, algorithm, ordering); err != nil {
				d.log.Warn().Err(err).Msg("failed to store product ordering")
			}
		}()
	}
}

func toOrdering(value any) (*Ordering, bool) {
	switch v := value.(type) {
	case *Ordering:
		return v, true
	case Ordering:
		return &v, true
	default:
		return nil, false
	}
}

func (d *Dispatcher) recordDeprecation(ctx context.Context, method string) {
	key := fmt.Sprintf("confd:deprecated:%s", method)
	_ = d.client.HSet(ctx, key, "last_used", time.Now().Unix()).Err()
}

func (d *Dispatcher) record(ctx context.Context, method string, duration time.Duration, success bool) {
	entry, err := json.Marshal(map[string]any{
		"method":    method,
		"duration":  duration.Seconds(),
		"success":   success,
		"timestamp": time.Now().Unix(),
	})
	if err != nil {
		return
	}
	pipe := d.client.Pipeline()
	pipe.LPush(ctx, "confd:rpclog", entry)
	pipe.LTrim(ctx, "confd:rpclog", 0, recordCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		d.log.Debug().Err(err).Msg("failed to append rpc log record")
	}
}

func positionalAttrs(desc *Descriptor, params []any) map[string]string {
	attrs := map[string]string{}
	for i, name := range desc.Params {
		if i >= len(params) {
			break
		}
		if s, ok := params[i].(string); ok {
			attrs[name] = s
		}
	}
	if len(attrs) > 0 {
		if hostID, ok := attrs["hostId"]; ok {
			attrs["hostId"] = hostID
		}
	}
	return attrs
}

func errorOf(sentinel error, includeDetail bool, cause error) *apperrors.RPCError {
	rpcErr := apperrors.ToRPCError(sentinel)
	if includeDetail && cause != nil && cause != sentinel {
		rpcErr.Message = fmt.Sprintf("%s: %v", rpcErr.Message, cause)
	}
	return &rpcErr
}
