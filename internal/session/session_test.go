package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uib-gmbh/confd/internal/session"
	"github.com/uib-gmbh/confd/internal/testutil"
)

func TestManager_NewLoadRoundTrip(t *testing.T) {
	client := testutil.NewTestRedis(t)
	mgr := session.NewManager(client, 25, time.Hour)
	ctx := context.Background()

	sess, err := mgr.New(ctx, "10.0.0.1", time.Hour, true)
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.EqualValues(t, 1, sess.Version)

	loaded, err := mgr.Load(ctx, "10.0.0.1", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, loaded.ID)
	assert.Equal(t, sess.ClientAddr, loaded.ClientAddr)
}

func TestManager_LoadUnknownSessionNotFound(t *testing.T) {
	client := testutil.NewTestRedis(t)
	mgr := session.NewManager(client, 25, time.Hour)

	_, err := mgr.Load(context.Background(), "10.0.0.1", "nonexistent")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestManager_LoadExpiredSessionNotFound(t *testing.T) {
	client := testutil.NewTestRedis(t)
	mgr := session.NewManager(client, 25, time.Hour)
	ctx := context.Background()

	sess, err := mgr.New(ctx, "10.0.0.1", time.Hour, true)
	require.NoError(t, err)
	sess.LastUsed = time.Now().Add(-2 * time.Hour)
	require.NoError(t, mgr.Store(ctx, sess))

	_, err = mgr.Load(ctx, "10.0.0.1", sess.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestManager_TooManySessionsPerIP(t *testing.T) {
	client := testutil.NewTestRedis(t)
	mgr := session.NewManager(client, 2, time.Hour)
	ctx := context.Background()

	_, err := mgr.New(ctx, "10.0.0.1", time.Hour, true)
	require.NoError(t, err)
	_, err = mgr.New(ctx, "10.0.0.1", time.Hour, true)
	require.NoError(t, err)

	_, err = mgr.New(ctx, "10.0.0.1", time.Hour, true)
	assert.ErrorIs(t, err, session.ErrTooManySessions)

	// A different client IP is unaffected by the first IP's quota.
	_, err = mgr.New(ctx, "10.0.0.2", time.Hour, true)
	assert.NoError(t, err)
}

func TestManager_StoreVersionMonotonicityAndConflict(t *testing.T) {
	client := testutil.NewTestRedis(t)
	mgr := session.NewManager(client, 25, time.Hour)
	ctx := context.Background()

	sess, err := mgr.New(ctx, "10.0.0.1", time.Hour, true)
	require.NoError(t, err)
	require.NoError(t, mgr.Touch(ctx, sess))
	assert.EqualValues(t, 2, sess.Version)
	require.NoError(t, mgr.Touch(ctx, sess))
	assert.EqualValues(t, 3, sess.Version)

	stale, err := mgr.Load(ctx, "10.0.0.1", sess.ID)
	require.NoError(t, err)
	stale.Version = 1

	err = mgr.Store(ctx, stale)
	assert.ErrorIs(t, err, session.ErrVersionConflict)
}

func TestSession_IdentityChannels(t *testing.T) {
	userSess := &session.Session{ID: "abc", Username: "adminuser"}
	assert.Equal(t, "user:adminuser", userSess.UserChannel())
	assert.Equal(t, "session:abc", userSess.SessionChannel())

	hostSess := &session.Session{ID: "def", Host: "client1.example.org"}
	assert.Equal(t, "host:client1.example.org", hostSess.UserChannel())
}

func TestManager_ClampMaxAge(t *testing.T) {
	mgr := session.NewManager(nil, 25, time.Hour)

	assert.Equal(t, time.Hour, mgr.ClampMaxAge(0))
	assert.Equal(t, time.Second, mgr.ClampMaxAge(time.Millisecond))
	assert.Equal(t, 24*time.Hour, mgr.ClampMaxAge(48*time.Hour))
	assert.Equal(t, 10*time.Minute, mgr.ClampMaxAge(10*time.Minute))
}

func TestManager_CookieRendersOnlyForPersistentSessions(t *testing.T) {
	mgr := session.NewManager(nil, 25, time.Hour)

	persistent := &session.Session{ID: "abc", MaxAge: time.Hour, Persistent: true}
	assert.Contains(t, mgr.Cookie("opsiconfd-session", persistent), "abc")

	nonPersistent := &session.Session{ID: "abc", Persistent: false}
	assert.Empty(t, mgr.Cookie("opsiconfd-session", nonPersistent))

	deleted := &session.Session{ID: "abc", Persistent: true, Deleted: true}
	assert.Empty(t, mgr.Cookie("opsiconfd-session", deleted))

	assert.Empty(t, mgr.Cookie("opsiconfd-session", nil))
}

func TestManager_CookieOmitsMaxAgeForActiveMessageBusSession(t *testing.T) {
	mgr := session.NewManager(nil, 25, time.Hour)

	active := &session.Session{ID: "abc", MaxAge: time.Hour, Persistent: true}
	active.MessageBus.Connections = 1
	active.MessageBus.LastUsed = time.Now()
	cookie := mgr.Cookie("opsiconfd-session", active)
	assert.Contains(t, cookie, "abc")
	assert.NotContains(t, cookie, "Max-Age")

	idle := &session.Session{ID: "abc", MaxAge: time.Hour, Persistent: true}
	idle.MessageBus.Connections = 1
	idle.MessageBus.LastUsed = time.Now().Add(-time.Hour)
	assert.Contains(t, mgr.Cookie("opsiconfd-session", idle), "Max-Age")
}

func TestManager_TouchMessageBusRefreshesBothClocks(t *testing.T) {
	client := testutil.NewTestRedis(t)
	mgr := session.NewManager(client, 25, time.Hour)
	ctx := context.Background()

	sess, err := mgr.New(ctx, "10.0.0.1", time.Hour, true)
	require.NoError(t, err)
	require.True(t, sess.MessageBus.LastUsed.IsZero())

	require.NoError(t, mgr.TouchMessageBus(ctx, sess))
	assert.False(t, sess.MessageBus.LastUsed.IsZero())
	assert.False(t, sess.LastUsed.IsZero())
}

func TestManager_SetOverloadAndRetryAfter(t *testing.T) {
	mgr := session.NewManager(nil, 25, time.Hour)

	assert.False(t, mgr.Overloaded())

	mgr.SetOverload(5 * time.Second)
	assert.True(t, mgr.Overloaded())
	assert.GreaterOrEqual(t, mgr.OverloadRetryAfter(), 1)

	mgr.SetOverload(0)
	assert.False(t, mgr.Overloaded())
}

func TestWithOverloaded_RoundTrips(t *testing.T) {
	ctx := context.Background()
	assert.False(t, session.IsOverloaded(ctx))
	assert.True(t, session.IsOverloaded(session.WithOverloaded(ctx)))
}

func TestManager_DeleteRemovesSession(t *testing.T) {
	client := testutil.NewTestRedis(t)
	mgr := session.NewManager(client, 25, time.Hour)
	ctx := context.Background()

	sess, err := mgr.New(ctx, "10.0.0.1", time.Hour, true)
	require.NoError(t, err)

	require.NoError(t, mgr.Delete(ctx, sess))
	assert.True(t, sess.Deleted)

	_, err = mgr.Load(ctx, "10.0.0.1", sess.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}
