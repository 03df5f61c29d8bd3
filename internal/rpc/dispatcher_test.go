package rpc_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uib-gmbh/confd/internal/rpc"
	"github.com/uib-gmbh/confd/internal/testutil"
)

func registryWithEcho() *rpc.Registry {
	reg := rpc.NewRegistry()
	reg.Register(&rpc.Descriptor{
		Name:   "echo",
		Params: []string{"value"},
		Handler: func(ctx context.Context, params []any) (any, error) {
			if len(params) == 0 {
				return nil, nil
			}
			return params[0], nil
		},
	})
	return reg
}

func TestDispatch_UnknownMethod(t *testing.T) {
	client := testutil.NewTestRedis(t)
	d := rpc.NewDispatcher(registryWithEcho(), rpc.NewProductOrderingCache(client), client, zerolog.Nop())

	result := d.Dispatch(context.Background(), rpc.Principal{}, rpc.Call{ID: 1, Method: "nope"}, false)
	require.NotNil(t, result.Error)
	assert.Equal(t, -32601, result.Error.Code)
}

func TestDispatch_Echo(t *testing.T) {
	client := testutil.NewTestRedis(t)
	d := rpc.NewDispatcher(registryWithEcho(), rpc.NewProductOrderingCache(client), client, zerolog.Nop())

	params, _ := json.Marshal([]any{"hello"})
	result := d.Dispatch(context.Background(), rpc.Principal{IsAdmin: true}, rpc.Call{ID: 1, Method: "echo", Params: params}, false)
	require.Nil(t, result.Error)
	assert.Equal(t, "hello", result.Result)
}

func TestDispatchBatch_IndependentErrors(t *testing.T) {
	client := testutil.NewTestRedis(t)
	d := rpc.NewDispatcher(registryWithEcho(), rpc.NewProductOrderingCache(client), client, zerolog.Nop())

	params, _ := json.Marshal([]any{"ok"})
	calls := []rpc.Call{
		{ID: 1, Method: "echo", Params: params},
		{ID: 2, Method: "missing"},
	}
	results := d.DispatchBatch(context.Background(), rpc.Principal{IsAdmin: true}, calls, false)
	require.Len(t, results, 2)
	assert.Nil(t, results[0].Error)
	require.NotNil(t, results[1].Error)
}

func TestDispatch_ProductMutationPurgesCacheWithinFiveSeconds(t *testing.T) {
	client := testutil.NewTestRedis(t)
	cache := rpc.NewProductOrderingCache(client)
	reg := rpc.NewRegistry()
	reg.Register(&rpc.Descriptor{
		Name: "product_createObjects",
		Handler: func(ctx context.Context, params []any) (any, error) {
			return true, nil
		},
	})
	d := rpc.NewDispatcher(reg, cache, client, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, cache.Store(ctx, "depot1", "algorithm1", &rpc.Ordering{Sorted: []string{"p1"}}))
	cached, hit, err := cache.Lookup(ctx, "depot1", "algorithm1", false)
	require.NoError(t, err)
	require.True(t, hit)
	require.NotNil(t, cached)

	result := d.Dispatch(ctx, rpc.Principal{IsAdmin: true}, rpc.Call{ID: 1, Method: "product_createObjects"}, false)
	require.Nil(t, result.Error)

	require.Eventually(t, func() bool {
		_, hit, err := cache.Lookup(ctx, "depot1", "algorithm1", false)
		return err == nil && !hit
	}, 5*time.Second, 10*time.Millisecond, "product mutation must invalidate the depot cache within 5 seconds")
}

func TestCheckACL_AdminBypasses(t *testing.T) {
	assert.True(t, rpc.CheckACL(nil, rpc.Principal{IsAdmin: true}, nil))
}

func TestCheckACL_SelfEntry(t *testing.T) {
	entries := []rpc.ACLEntry{{Kind: rpc.ACLSelf}}
	assert.True(t, rpc.CheckACL(entries, rpc.Principal{Host: "client1.example.org"}, map[string]string{"hostId": "client1.example.org"}))
	assert.False(t, rpc.CheckACL(entries, rpc.Principal{Host: "client1.example.org"}, map[string]string{"hostId": "client2.example.org"}))
}
