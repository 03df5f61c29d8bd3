// Package authgate implements the access-control gate every request passes
// through before it reaches a handler: network ACL, brute-force throttling,
// credential verification, and access-role enforcement.
package authgate

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/uib-gmbh/confd/internal/auth"
	apperrors "github.com/uib-gmbh/confd/internal/errors"
	"github.com/uib-gmbh/confd/internal/redisfabric"
)

// AccessRole orders the three privilege levels a path may require.
type AccessRole int

const (
	RolePublic AccessRole = iota
	RoleAuthenticated
	RoleAdmin
)

// CredentialStore resolves a username to its password hash and group
// memberships. The concrete implementation lives behind internal/backend so
// authgate never imports the relational backend directly.
type CredentialStore interface {
	PasswordHash(ctx context.Context, username string) (hash string, isAdmin, isReadOnly bool, err error)
	HostSecret(ctx context.Context, hostID string) (secret string, ok bool, err error)
}

// Identity is what a successful check_access-style gate pass resolves to.
type Identity struct {
	Username   string
	Host       string
	IsAdmin    bool
	IsReadOnly bool
}

// Gate bundles the brute-force tracker, the credential store, and the
// network ACL into the single ordered check the original calls
// check_access: block check, authenticate, then required-role enforcement.
type Gate struct {
	client           *redis.Client
	creds            CredentialStore
	maxFailures      int
	failuresInterval time.Duration
	blockTime        time.Duration
	allowedNetworks  []*net.IPNet
	adminNetworks    []*net.IPNet
}

// New builds a Gate. allowedNetworks/adminNetworks are CIDR strings; an
// unparsable entry is skipped rather than rejected wholesale, so one typo in
// an admin_networks config line doesn't lock every admin out.
func New(client *redis.Client, creds CredentialStore, maxFailures int, failuresInterval, blockTime time.Duration, allowedNetworks, adminNetworks []string) *Gate {
	return &Gate{
		client:           client,
		creds:            creds,
		maxFailures:      maxFailures,
		failuresInterval: failuresInterval,
		blockTime:        blockTime,
		allowedNetworks:  parseNetworks(allowedNetworks),
		adminNetworks:    parseNetworks(adminNetworks),
	}
}

func parseNetworks(cidrs []string) []*net.IPNet {
	var out []*net.IPNet
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// CheckNetwork rejects clientIP unless it falls inside one of the
// configured networks.
func (g *Gate) CheckNetwork(clientIP string) error {
	if len(g.allowedNetworks) == 0 {
		return nil
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return apperrors.New("PERMISSION_DENIED", "unparsable client address", 403)
	}
	for _, n := range g.allowedNetworks {
		if n.Contains(ip) {
			return nil
		}
	}
	return apperrors.New("PERMISSION_DENIED", "client network not allowed", 403)
}

func (g *Gate) blockKey(clientIP string) string {
	return redisfabric.Key("stats", "client_failed_auth", redisfabric.IPToKeyPart(clientIP))
}

func (g *Gate) failuresKey(clientIP string) string {
	return redisfabric.Key("stats", "client_failed_auth_ts", redisfabric.IPToKeyPart(clientIP))
}

// CheckBlocked rejects clientIP if it's currently under an auth block, or if
// the Redis time-series count of failures over AuthFailuresInterval has just
// crossed MaxFailures, in which case it sets a fresh block.
func (g *Gate) CheckBlocked(ctx context.Context, clientIP string) error {
	blocked, err := g.client.Exists(ctx, g.blockKey(clientIP)).Result()
	if err != nil {
		return err
	}
	if blocked == 1 {
		return apperrors.New("CLIENT_BLOCKED", "client is temporarily blocked after too many failed authentications", 403)
	}

	count, err := g.failureCount(ctx, clientIP)
	if err != nil {
		return err
	}
	if count >= g.maxFailures {
		if err := g.client.Set(ctx, g.blockKey(clientIP), "1", g.blockTime).Err(); err != nil {
			return err
		}
		return apperrors.New("CLIENT_BLOCKED", "client is temporarily blocked after too many failed authentications", 403)
	}
	return nil
}

// RecordFailure appends a failed-auth sample to clientIP's time series. It
// is fire-and-forget from the caller's perspective: a failure to record a
// failure must never itself fail the request.
func (g *Gate) RecordFailure(ctx context.Context, clientIP string) {
	key := g.failuresKey(clientIP)
	now := time.Now().UnixMilli()
	_ = g.client.Do(ctx, "TS.ADD", key, now, 1,
		"RETENTION", g.failuresInterval.Milliseconds()*2,
		"ON_DUPLICATE", "SUM",
		"LABELS", "type", "failed_auth").Err()
}

func (g *Gate) failureCount(ctx context.Context, clientIP string) (int, error) {
	key := g.failuresKey(clientIP)
	from := time.Now().Add(-g.failuresInterval).UnixMilli()
	to := time.Now().UnixMilli()
	res, err := g.client.Do(ctx, "TS.RANGE", key, from, to, "AGGREGATION", "count", g.failuresInterval.Milliseconds()).Result()
	if err != nil {
		if strings.Contains(err.Error(), "key does not exist") {
			return 0, nil
		}
		return 0, err
	}
	rows, ok := res.([]interface{})
	if !ok {
		return 0, nil
	}
	total := 0
	for _, row := range rows {
		pair, ok := row.([]interface{})
		if !ok || len(pair) != 2 {
			continue
		}
		switch v := pair[1].(type) {
		case int64:
			total += int(v)
		case string:
			var n int
			fmt.Sscanf(v, "%d", &n)
			total += n
		}
	}
	return total, nil
}

// BasicAuth parses an "Authorization: Basic ..." header value into its
// username/password parts.
func BasicAuth(header string) (username, password string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// AuthenticateUser verifies username/password against the credential store.
func (g *Gate) AuthenticateUser(ctx context.Context, username, password string) (*Identity, error) {
	hash, isAdmin, isReadOnly, err := g.creds.PasswordHash(ctx, username)
	if err != nil {
		return nil, apperrors.ErrAuthInvalidCredentials
	}
	ok, err := auth.ComparePassword(password, hash)
	if err != nil || !ok {
		return nil, apperrors.ErrAuthInvalidCredentials
	}
	return &Identity{Username: username, IsAdmin: isAdmin, IsReadOnly: isReadOnly}, nil
}

// AuthenticateHost verifies a managed host's pre-shared key.
func (g *Gate) AuthenticateHost(ctx context.Context, hostID, secret string) (*Identity, error) {
	stored, ok, err := g.creds.HostSecret(ctx, hostID)
	if err != nil || !ok || stored != secret {
		return nil, apperrors.ErrAuthInvalidCredentials
	}
	return &Identity{Host: hostID}, nil
}

// IsTrusted reports whether clientIP is exempt from overload shedding:
// loopback addresses and anything inside the configured admin networks,
// mirroring the original's "localhost and trusted exceptions bypass" rule.
func (g *Gate) IsTrusted(clientIP string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	for _, n := range g.adminNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// RevokeAdminOutsideNetwork clears IsAdmin on an admin identity when the
// request didn't originate from one of the configured admin networks
// (IsReadOnly is left unchanged), matching the original's admin-network revocation rule.
func (g *Gate) RevokeAdminOutsideNetwork(clientIP string, id *Identity) {
	if !id.IsAdmin || len(g.adminNetworks) == 0 {
		return
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		id.IsAdmin = false
		return
	}
	for _, n := range g.adminNetworks {
		if n.Contains(ip) {
			return
		}
	}
	id.IsAdmin = false
}

// RequireRole fails the request unless id satisfies required.
func RequireRole(required AccessRole, id *Identity) error {
	switch required {
	case RolePublic:
		return nil
	case RoleAuthenticated:
		if id == nil {
			return apperrors.ErrUnauthorized
		}
		return nil
	case RoleAdmin:
		if id == nil || !id.IsAdmin {
			return apperrors.ErrForbidden
		}
		return nil
	}
	return apperrors.ErrForbidden
}

// publicPaths lists the path prefixes reachable without a session, mirroring
// the original's hard-coded public-path table.
var publicPaths = []string{
	"/public/",
	"/status/",
}

// RequiredRole resolves the access role a given request path/method needs,
// before any session has even been loaded.
func RequiredRole(path, method string) AccessRole {
	for _, p := range publicPaths {
		if strings.HasPrefix(path, p) {
			return RolePublic
		}
	}
	switch path {
	case "/session/login", "/session/logout", "/session/authenticated":
		// these endpoints run their own auth logic (or none at all); the
		// pipeline must let unauthenticated clients reach them.
		return RolePublic
	case "/rpc", "/messagebus/v1":
		return RoleAuthenticated
	case "/metrics/grafana/query":
		return RoleAdmin
	}
	return RoleAdmin
}
