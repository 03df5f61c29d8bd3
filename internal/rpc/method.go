// Package rpc implements the JSON-RPC 1.0/2.0 dispatcher: method lookup,
// argument coercion, ACL enforcement, result caching for the one cached
// method family, deprecation tracking, and call recording.
package rpc

import (
	"context"
	"encoding/json"
)

// ACLKind orders how an ACL entry treats a match.
type ACLKind string

const (
	ACLAllow ACLKind = "allow"
	ACLDeny  ACLKind = "deny"
	// ACLSelf allows a managed host to operate only on its own identity:
	// CheckACL lets the call through when the principal is a host and the
	// call's hostId attribute equals that host.
	ACLSelf ACLKind = "self"
)

// ACLEntry is one rule in a method's ACL vector.
type ACLEntry struct {
	Kind             ACLKind
	PrincipalPattern string
	AttributeFilters map[string]string
}

// Handler is the Go function a method descriptor dispatches to. ctx is the
// context passed to Dispatch (for HTTP calls the request context, which
// carries the *session.Session under session.ContextKey); params is the
// already-coerced argument list.
type Handler func(ctx context.Context, params []any) (any, error)

// Descriptor is one entry in the backend interface table, mirroring
// get_interface()'s method descriptor shape.
type Descriptor struct {
	Name              string
	Params            []string
	Varargs           bool
	Keywords          bool
	Doc               string
	Deprecated        bool
	AlternativeMethod string
	ACL               []ACLEntry
	Handler           Handler
}

// Registry is the backend interface table the dispatcher looks methods up
// in.
type Registry struct {
	methods map[string]*Descriptor
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{methods: map[string]*Descriptor{}}
}

// Register adds or replaces a method descriptor, matching the original's
// extension-loading behavior of grafting same-named methods onto the
// facade (callers are responsible for logging the override).
func (r *Registry) Register(d *Descriptor) {
	r.methods[d.Name] = d
}

// Lookup returns the descriptor for name, or nil if unknown.
func (r *Registry) Lookup(name string) *Descriptor {
	return r.methods[name]
}

// Interface returns every registered descriptor, implementing
// backend.get_interface().
func (r *Registry) Interface() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.methods))
	for _, d := range r.methods {
		out = append(out, d)
	}
	return out
}

// CoerceParams maps a positional array or a keyword object onto d's
// declared parameter names, per §4.F step 2. A trailing map is accepted as
// keyword arguments when the method declares Keywords. Absent params yield
// an empty argument list.
func (d *Descriptor) CoerceParams(raw json.RawMessage) ([]any, error) {
	if len(raw) == 0 {
		return []any{}, nil
	}
	var asArray []any
	if err := json.Unmarshal(raw, &asArray); err == nil {
		return asArray, nil
	}

	var asObject map[string]any
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return nil, err
	}

	ordered := make([]any, 0, len(d.Params))
	for _, name := range d.Params {
		ordered = append(ordered, asObject[name])
	}
	if d.Keywords {
		kwargs := map[string]any{}
		for k, v := range asObject {
			if !contains(d.Params, k) {
				kwargs[k] = v
			}
		}
		ordered = append(ordered, kwargs)
	}
	return ordered, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
