// Package session implements the opaque, Redis-backed session records that
// every authenticated request and websocket connection is keyed by.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/uib-gmbh/confd/internal/redisfabric"
)

// RedisKeyPrefix is the namespace session records live under:
// confd:sessions:<ip-key>:<session-id>.
const RedisKeyPrefix = "sessions"

const (
	minMaxAge = 1 * time.Second
	maxMaxAge = 24 * time.Hour

	// messageBusActiveWindow bounds how recently a websocket connection must
	// have been touched for the cookie policy to treat the session as an
	// active bus session rather than an idle browser session.
	messageBusActiveWindow = 30 * time.Second
)

// contextKey is an unexported type so session's context key can't collide
// with keys set by other packages.
type contextKey int

const (
	// ContextKey is the request-context key the session middleware stores
	// the resolved *Session under.
	ContextKey contextKey = iota
	overloadContextKey
)

// WithOverloaded marks ctx as having been accepted during an overload
// window by a caller (such as the message bus) that must finish its own
// handshake before it can act on the overload, unlike a plain HTTP handler
// which can be answered with 503 immediately.
func WithOverloaded(ctx context.Context) context.Context {
	return context.WithValue(ctx, overloadContextKey, true)
}

// IsOverloaded reports whether ctx was marked by WithOverloaded.
func IsOverloaded(ctx context.Context) bool {
	v, _ := ctx.Value(overloadContextKey).(bool)
	return v
}

var (
	// ErrTooManySessions is returned when a client IP already holds
	// max_session_per_ip live sessions and tries to open another.
	ErrTooManySessions = errors.New("too many sessions for this client")
	// ErrNotFound is returned by Manager.Load when no session exists for
	// the given id, or it has expired.
	ErrNotFound = errors.New("session not found")
	// ErrVersionConflict is returned by Store when the caller's view of
	// the session is stale relative to what is currently in Redis.
	ErrVersionConflict = errors.New("session version conflict")
)

// Session is the record persisted to Redis for one authenticated or
// anonymous client connection.
type Session struct {
	ID          string            `msgpack:"id"`
	ClientAddr  string            `msgpack:"client_addr"`
	Username    string            `msgpack:"username"`
	IsAdmin     bool              `msgpack:"is_admin"`
	IsReadOnly  bool              `msgpack:"is_read_only"`
	Host        string            `msgpack:"host,omitempty"`
	Created     time.Time         `msgpack:"created"`
	LastUsed    time.Time         `msgpack:"last_used"`
	MaxAge      time.Duration     `msgpack:"max_age"`
	Persistent  bool              `msgpack:"persistent"`
	Deleted     bool              `msgpack:"deleted"`
	Version     int64             `msgpack:"version"`
	MessageBus  MessageBusState   `msgpack:"messagebus"`
	Attributes  map[string]string `msgpack:"attributes,omitempty"`
}

// MessageBusState tracks the session's allocated bus channel and websocket
// connection count, read by the bus package without importing it back.
type MessageBusState struct {
	ChannelCreated bool      `msgpack:"channel_created"`
	Connections    int       `msgpack:"connections"`
	LastUsed       time.Time `msgpack:"last_used"`
}

// messageBusActive reports whether this session looks like it's backing a
// live websocket connection as of now, independent of the session's general
// idle-expiry LastUsed field.
func (s *Session) messageBusActive(now time.Time) bool {
	return s.MessageBus.Connections > 0 && now.Sub(s.MessageBus.LastUsed) <= messageBusActiveWindow
}

// Expired reports whether the session's idle time has exceeded MaxAge.
func (s *Session) Expired(now time.Time) bool {
	return now.Sub(s.LastUsed) > s.MaxAge
}

// UserChannel returns the message-bus channel every connection
// authenticated as this user auto-subscribes to.
func (s *Session) UserChannel() string {
	if s.Host != "" {
		return "host:" + s.Host
	}
	return "user:" + s.Username
}

// SessionChannel returns this session's private bus channel.
func (s *Session) SessionChannel() string {
	return "session:" + s.ID
}

// Manager loads, stores and expires Session records in Redis.
type Manager struct {
	client           *redis.Client
	maxSessionPerIP  int
	defaultMaxAge    time.Duration
	mu               sync.Mutex
	overloadUntil    atomic.Int64
}

// SetOverload marks the manager overloaded for d, after which
// RequireRole-gated requests from untrusted clients are shed with 503
// until the window elapses. Passing a non-positive d clears the window
// immediately.
func (m *Manager) SetOverload(d time.Duration) {
	if d <= 0 {
		m.overloadUntil.Store(0)
		return
	}
	m.overloadUntil.Store(time.Now().Add(d).UnixNano())
}

// Overloaded reports whether the manager is currently inside an overload
// window set by SetOverload.
func (m *Manager) Overloaded() bool {
	until := m.overloadUntil.Load()
	return until != 0 && time.Now().UnixNano() < until
}

// OverloadRetryAfter returns the number of whole seconds remaining in the
// current overload window, floored at 1 so a Retry-After header is never
// emitted as 0.
func (m *Manager) OverloadRetryAfter() int {
	until := m.overloadUntil.Load()
	remaining := time.Until(time.Unix(0, until))
	if remaining < time.Second {
		return 1
	}
	return int(remaining.Seconds())
}

// NewManager constructs a Manager bound to client, enforcing maxSessionPerIP
// and the given default idle lifetime.
func NewManager(client *redis.Client, maxSessionPerIP int, defaultMaxAge time.Duration) *Manager {
	return &Manager{
		client:          client,
		maxSessionPerIP: maxSessionPerIP,
		defaultMaxAge:   defaultMaxAge,
	}
}

func (m *Manager) key(clientAddr, id string) string {
	return redisfabric.Key(RedisKeyPrefix, redisfabric.IPToKeyPart(clientAddr), id)
}

// ClampMaxAge enforces the 1s..24h window the X-Opsi-Session-Lifetime
// header is allowed to request: a zero or negative request falls back to the
// manager's default, and a request outside the window is clamped to the
// nearest bound.
func (m *Manager) ClampMaxAge(requested time.Duration) time.Duration {
	if requested <= 0 {
		return m.defaultMaxAge
	}
	if requested < minMaxAge {
		return minMaxAge
	}
	if requested > maxMaxAge {
		return maxMaxAge
	}
	return requested
}

// New creates and persists a brand new session for clientAddr, refusing to
// do so if the IP is already at its session quota. persistent controls
// whether a later Cookie() call emits a Set-Cookie header at all.
func (m *Manager) New(ctx context.Context, clientAddr string, maxAge time.Duration, persistent bool) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count, err := m.countForIP(ctx, clientAddr)
	if err != nil {
		return nil, err
	}
	if count >= m.maxSessionPerIP {
		return nil, ErrTooManySessions
	}

	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		ID:         id,
		ClientAddr: clientAddr,
		Created:    now,
		LastUsed:   now,
		MaxAge:     maxAge,
		Persistent: persistent,
		Version:    1,
	}
	if err := m.store(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *Manager) countForIP(ctx context.Context, clientAddr string) (int, error) {
	prefix := redisfabric.Key(RedisKeyPrefix, redisfabric.IPToKeyPart(clientAddr))
	var n int
	iter := m.client.Scan(ctx, 0, prefix+":*", 0).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n, iter.Err()
}

// Load fetches and deserializes the session with id for clientAddr,
// returning ErrNotFound if it is absent or has expired.
func (m *Manager) Load(ctx context.Context, clientAddr, id string) (*Session, error) {
	data, err := m.client.Get(ctx, m.key(clientAddr, id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := msgpack.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if sess.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return &sess, nil
}

// Touch updates LastUsed and persists the session, bumping Version.
func (m *Manager) Touch(ctx context.Context, sess *Session) error {
	sess.LastUsed = time.Now()
	return m.Store(ctx, sess)
}

// TouchMessageBus records websocket activity on sess, refreshing both the
// general idle-expiry clock and the messagebus-specific one the cookie
// policy consults to decide whether Max-Age should be omitted.
func (m *Manager) TouchMessageBus(ctx context.Context, sess *Session) error {
	now := time.Now()
	sess.LastUsed = now
	sess.MessageBus.LastUsed = now
	return m.Store(ctx, sess)
}

// Store persists sess with optimistic-concurrency protection: the caller's
// Version must not be older than what's in Redis, or ErrVersionConflict is
// returned and the caller should reload and retry.
func (m *Manager) Store(ctx context.Context, sess *Session) error {
	key := m.key(sess.ClientAddr, sess.ID)
	existing, err := m.client.Get(ctx, key).Bytes()
	if err != nil && err != redis.Nil {
		return err
	}
	if err == nil {
		var onDisk Session
		if err := msgpack.Unmarshal(existing, &onDisk); err == nil {
			if onDisk.Version > sess.Version {
				return ErrVersionConflict
			}
		}
	}
	sess.Version++
	return m.store(ctx, sess)
}

func (m *Manager) store(ctx context.Context, sess *Session) error {
	data, err := msgpack.Marshal(sess)
	if err != nil {
		return err
	}
	return m.client.Set(ctx, m.key(sess.ClientAddr, sess.ID), data, sess.MaxAge).Err()
}

// Delete removes the session, retrying up to ten times with a short sleep:
// a session record can be concurrently rewritten by a different worker
// handling the same client's next request, and a single UNLINK can race it.
func (m *Manager) Delete(ctx context.Context, sess *Session) error {
	sess.Deleted = true
	key := m.key(sess.ClientAddr, sess.ID)
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		if err := m.client.Unlink(ctx, key).Err(); err != nil {
			lastErr = err
			time.Sleep(10 * time.Millisecond)
			continue
		}
		return nil
	}
	return lastErr
}

// Cookie renders the Set-Cookie header value for sess, or "" if the session
// is non-persistent, deleted, or lacks an id — mirroring the rule that only
// persistent sessions get a visible cookie.
func (m *Manager) Cookie(cookieName string, sess *Session) string {
	if sess == nil || sess.ID == "" || sess.Deleted || !sess.Persistent {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s=%s; path=/", cookieName, sess.ID)
	if !sess.messageBusActive(time.Now()) {
		fmt.Fprintf(&b, "; Max-Age=%d", int(sess.MaxAge.Seconds()))
	}
	b.WriteString("; HttpOnly; SameSite=Lax")
	return b.String()
}

func newSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
