package backend_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uib-gmbh/confd/internal/backend"
	"github.com/uib-gmbh/confd/internal/backend/objectstore"
	"github.com/uib-gmbh/confd/internal/testutil"
)

type fakeStore struct {
	objects []objectstore.Object
}

func (s *fakeStore) GetObjects(ctx context.Context, objType objectstore.ObjectType, filter objectstore.Filter, limit int) ([]objectstore.Object, error) {
	var out []objectstore.Object
	for _, o := range s.objects {
		if o.Type != objType {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *fakeStore) InsertObject(ctx context.Context, obj objectstore.Object) error { return nil }
func (s *fakeStore) UpdateObject(ctx context.Context, obj objectstore.Object) error { return nil }
func (s *fakeStore) DeleteObjects(ctx context.Context, objType objectstore.ObjectType, idents []string) error {
	return nil
}

func TestFacade_PasswordHash(t *testing.T) {
	client := testutil.NewTestRedis(t)
	payload, _ := json.Marshal(map[string]any{"password_hash": "abc", "is_admin": true})
	store := &fakeStore{objects: []objectstore.Object{
		{Type: objectstore.ObjectType("User"), Ident: "alice", Payload: payload},
	}}
	f := backend.New(store, client)

	hash, isAdmin, isReadOnly, err := f.PasswordHash(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "abc", hash)
	assert.True(t, isAdmin)
	assert.False(t, isReadOnly)
}

func TestFacade_CachedCall(t *testing.T) {
	client := testutil.NewTestRedis(t)
	f := backend.New(&fakeStore{}, client)

	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return map[string]int{"n": calls}, nil
	}

	first, err := f.CachedCall(context.Background(), "k", time.Minute, fn)
	require.NoError(t, err)
	second, err := f.CachedCall(context.Background(), "k", time.Minute, fn)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}
