package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store defines the methods the backend facade needs against the
// relational object tables.
type Store interface {
	GetObjects(ctx context.Context, objType ObjectType, filter Filter, limit int) ([]Object, error)
	InsertObject(ctx context.Context, obj Object) error
	UpdateObject(ctx context.Context, obj Object) error
	DeleteObjects(ctx context.Context, objType ObjectType, idents []string) error
}

// PostgresStore implements Store against a single wide "objects" table,
// keeping the relational schema itself (per-type columns, indexes,
// migrations) out of this service's scope while still giving the facade a
// real SQL-backed implementation to call through.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore bound to pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// GetObjects returns objects of objType matching every key/value pair in
// filter, read out of the payload JSONB column, capped at limit rows (0
// means unlimited).
func (s *PostgresStore) GetObjects(ctx context.Context, objType ObjectType, filter Filter, limit int) ([]Object, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, type, ident, payload, modified FROM objects WHERE type = $1`)
	args := []any{objType}

	i := 2
	for k, v := range filter {
		fmt.Fprintf(&query, " AND payload->>'%s' = $%d", k, i)
		args = append(args, v)
		i++
	}
	query.WriteString(" ORDER BY ident ASC")
	if limit > 0 {
		fmt.Fprintf(&query, " LIMIT %d", limit)
	}

	rows, err := s.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []Object
	for rows.Next() {
		var o Object
		if err := rows.Scan(&o.ID, &o.Type, &o.Ident, &o.Payload, &o.Modified); err != nil {
			return nil, err
		}
		objects = append(objects, o)
	}
	return objects, rows.Err()
}

// InsertObject inserts a new object row.
func (s *PostgresStore) InsertObject(ctx context.Context, obj Object) error {
	obj.Modified = time.Now()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO objects (id, type, ident, payload, modified) VALUES ($1, $2, $3, $4, $5)`,
		obj.ID, obj.Type, obj.Ident, obj.Payload, obj.Modified,
	)
	return err
}

// UpdateObject replaces an existing object row's payload.
func (s *PostgresStore) UpdateObject(ctx context.Context, obj Object) error {
	obj.Modified = time.Now()
	_, err := s.pool.Exec(ctx,
		`UPDATE objects SET payload = $1, modified = $2 WHERE type = $3 AND ident = $4`,
		obj.Payload, obj.Modified, obj.Type, obj.Ident,
	)
	return err
}

// DeleteObjects removes every row of objType whose ident is in idents.
func (s *PostgresStore) DeleteObjects(ctx context.Context, objType ObjectType, idents []string) error {
	if len(idents) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM objects WHERE type = $1 AND ident = ANY($2)`, objType, idents)
	return err
}

// MarshalPayload is a small convenience for handlers building an Object
// without hand-writing json.RawMessage boilerplate at every call site.
func MarshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
