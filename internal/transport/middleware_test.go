package transport_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uib-gmbh/confd/internal/authgate"
	"github.com/uib-gmbh/confd/internal/session"
	"github.com/uib-gmbh/confd/internal/testutil"
	"github.com/uib-gmbh/confd/internal/transport"
)

func TestClientAddr_ForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/rpc", nil)
	r.Header.Set("X-Forwarded-For", "10.0.0.5, 10.0.0.1")
	assert.Equal(t, "10.0.0.5", transport.ClientAddr(r))
}

func TestClientAddr_RemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/rpc", nil)
	r.RemoteAddr = "192.168.1.10:54321"
	assert.Equal(t, "192.168.1.10", transport.ClientAddr(r))
}

func noopHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestSessionMiddleware_RejectsAnonymousRPC(t *testing.T) {
	sessions := session.NewManager(testutil.NewTestRedis(t), 25, time.Hour)
	gate := authgate.New(nil, nil, 10, time.Minute, time.Minute, nil, nil)
	handler := transport.SessionMiddleware(sessions, gate, "opsiconfd-session")(noopHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/rpc", nil))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSessionMiddleware_LetsLoginPathThroughAnonymously(t *testing.T) {
	sessions := session.NewManager(testutil.NewTestRedis(t), 25, time.Hour)
	gate := authgate.New(nil, nil, 10, time.Minute, time.Minute, nil, nil)
	handler := transport.SessionMiddleware(sessions, gate, "opsiconfd-session")(noopHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/session/login", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestSessionMiddleware_ShedsOverloadedRequests(t *testing.T) {
	sessions := session.NewManager(testutil.NewTestRedis(t), 25, time.Hour)
	gate := authgate.New(nil, nil, 10, time.Minute, time.Minute, nil, nil)
	sessions.SetOverload(5 * time.Second)
	handler := transport.SessionMiddleware(sessions, gate, "opsiconfd-session")(noopHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/public/info", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	retryAfter := rr.Header().Get("Retry-After")
	require.NotEmpty(t, retryAfter)
}

func TestSessionMiddleware_TrustedClientBypassesOverload(t *testing.T) {
	sessions := session.NewManager(testutil.NewTestRedis(t), 25, time.Hour)
	gate := authgate.New(nil, nil, 10, time.Minute, time.Minute, nil, nil)
	sessions.SetOverload(5 * time.Second)
	handler := transport.SessionMiddleware(sessions, gate, "opsiconfd-session")(noopHandler())

	r := httptest.NewRequest(http.MethodGet, "/public/info", nil)
	r.RemoteAddr = "127.0.0.1:54321"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, r)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestStatisticsMiddleware_SetsServerTiming(t *testing.T) {
	handler := transport.StatisticsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status/ping", nil))

	assert.NotEmpty(t, rr.Header().Get("Server-Timing"))
}
