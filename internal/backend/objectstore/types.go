// Package objectstore is the typed interface the RPC-method backend facade
// uses to reach the relational data backend. The schema and migrations that
// back a concrete ObjectStore are out of scope for this service; what's
// defined here is the narrow contract the facade needs — filtered,
// paginated reads and writes addressed by object type — not an ORM.
package objectstore

import (
	"encoding/json"
	"time"
)

// ObjectType names a managed-object table the backend facade can query,
// e.g. "Host", "Product", "ProductOnDepot", "ConfigState".
type ObjectType string

// Object is one row of a managed-object table, kept generic (a typed
// payload plus identifying metadata) so the facade doesn't need a Go type
// per object class the way a full ORM mapping would require.
type Object struct {
	ID       string          `json:"id"`
	Type     ObjectType      `json:"type"`
	Ident    string          `json:"ident"`
	Payload  json.RawMessage `json:"payload"`
	Modified time.Time       `json:"modified"`
}

// Filter narrows a GetObjects call to rows matching the given attribute
// equality constraints, mirroring the original RPC methods' filter dicts.
type Filter map[string]string
