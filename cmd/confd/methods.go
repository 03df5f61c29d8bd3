package main

import (
	"context"
	"fmt"
	"time"

	"github.com/uib-gmbh/confd/internal/backend"
	"github.com/uib-gmbh/confd/internal/rpc"
	"github.com/uib-gmbh/confd/internal/session"
)

// registerMethods populates registry with the handful of RPC methods this
// service still answers directly. The legacy method library body (product
// and host management, depot operations, and the rest of the classic
// backend interface) is out of scope; these are the seams the original
// always served from the core process itself rather than delegating to an
// extension module.
func registerMethods(registry *rpc.Registry, facade *backend.Facade, sessions *session.Manager) {
	registry.Register(&rpc.Descriptor{
		Name:   "backend_getLicensingInfo",
		Params: nil,
		Doc:    "Return a cached summary of license pool usage.",
		ACL:    []rpc.ACLEntry{{Kind: rpc.ACLAllow, PrincipalPattern: "*"}},
		Handler: func(ctx context.Context, params []any) (any, error) {
			raw, err := facade.CachedCall(ctx, "licensingInfo", time.Hour, func(ctx context.Context) (any, error) {
				return map[string]any{
					"client_numbers": map[string]any{},
					"licensor_info":  map[string]any{},
				}, nil
			})
			if err != nil {
				return nil, err
			}
			return raw, nil
		},
	})

	registry.Register(&rpc.Descriptor{
		Name:   "accessControl_authenticated",
		Params: nil,
		Doc:    "Return whether the calling session is authenticated.",
		ACL:    []rpc.ACLEntry{{Kind: rpc.ACLAllow, PrincipalPattern: "*"}},
		Handler: func(ctx context.Context, params []any) (any, error) {
			return true, nil
		},
	})

	registry.Register(&rpc.Descriptor{
		Name:   "accessControl_userIsAdmin",
		Params: nil,
		Doc:    "Return whether the calling session holds admin privileges.",
		ACL:    []rpc.ACLEntry{{Kind: rpc.ACLAllow, PrincipalPattern: "*"}},
		Handler: func(ctx context.Context, params []any) (any, error) {
			sess, ok := ctx.Value(session.ContextKey).(*session.Session)
			return ok && sess != nil && sess.IsAdmin, nil
		},
	})

	registry.Register(&rpc.Descriptor{
		Name:   "service_setOverload",
		Params: []string{"seconds"},
		Doc:    "Shed non-trusted traffic with a 503 for the given number of seconds.",
		ACL:    nil,
		Handler: func(ctx context.Context, params []any) (any, error) {
			seconds, ok := params[0].(float64)
			if !ok || seconds < 0 {
				return nil, fmt.Errorf("seconds must be a non-negative number")
			}
			sessions.SetOverload(time.Duration(seconds) * time.Second)
			return nil, nil
		},
	})

	registry.Register(&rpc.Descriptor{
		Name:    "getInterface",
		Params:  nil,
		Doc:     "Return the list of RPC methods this service exposes.",
		ACL:     []rpc.ACLEntry{{Kind: rpc.ACLAllow, PrincipalPattern: "*"}},
		Handler: func(ctx context.Context, params []any) (any, error) {
			descs := registry.Interface()
			out := make([]map[string]any, 0, len(descs))
			for _, d := range descs {
				out = append(out, map[string]any{
					"name":       d.Name,
					"params":     d.Params,
					"deprecated": d.Deprecated,
				})
			}
			return out, nil
		},
	})
}
