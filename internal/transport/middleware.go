package transport

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/uib-gmbh/confd/internal/authgate"
	apperrors "github.com/uib-gmbh/confd/internal/errors"
	"github.com/uib-gmbh/confd/internal/session"
)

var requestCounter int64

type requestIDKey struct{}

// ClientAddr resolves the client address: the first X-Forwarded-For entry
// when that header is present, otherwise the host part of RemoteAddr. The
// header is honored from any peer; the peer is not checked against a list
// of trusted proxies.
func ClientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

// BaseMiddleware stashes a monotonically increasing request id in the
// context and logs the unhandled-panic recovery path.
func BaseMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := atomic.AddInt64(&requestCounter, 1)
			ctx := context.WithValue(r.Context(), requestIDKey{}, id)

			defer func() {
				if rec := recover(); rec != nil {
					log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("unhandled panic in request pipeline")
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// statusCapturingWriter records the status code written so the statistics
// middleware can report it after the handler returns.
type statusCapturingWriter struct {
	http.ResponseWriter
	status int
	start  time.Time
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.status = code
	w.Header().Set("Server-Timing", "total;dur="+time.Since(w.start).Round(time.Microsecond).String())
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer's Hijacker, so the
// websocket upgrade on /messagebus/v1 works through this wrapper.
func (w *statusCapturingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

// StatisticsMiddleware measures wall time and exposes it via a
// Server-Timing header, per §4.E step 2.
func StatisticsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK, start: start}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)
		w.Header().Set("Server-Timing", "total;dur="+elapsed.Round(time.Microsecond).String())
	})
}

// bufferedResponse defers committing the status/body to the underlying
// writer until Flush is called, so the session middleware can still attach
// a Set-Cookie header after the handler has already "written" its
// response — matching the original's ASGI middleware, which can amend
// response headers after the downstream app has returned because the
// framework buffers the message until the outer middleware finishes.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header         { return b.header }
func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }
func (b *bufferedResponse) WriteHeader(code int)        { b.status = code }

func (b *bufferedResponse) Flush(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}

// SessionMiddleware resolves the request's cookie into a session, runs the
// network/block/role checks of §4.C, and writes an updated Set-Cookie only
// when the session is new or its attributes changed, per §4.E step 3.
func SessionMiddleware(sessions *session.Manager, gate *authgate.Gate, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientAddr := ClientAddr(r)
			required := authgate.RequiredRole(r.URL.Path, r.Method)

			if sessions.Overloaded() && !gate.IsTrusted(clientAddr) {
				if r.URL.Path == "/messagebus/v1" {
					next.ServeHTTP(w, r.WithContext(session.WithOverloaded(r.Context())))
					return
				}
				w.Header().Set("Retry-After", strconv.Itoa(sessions.OverloadRetryAfter()))
				apperrors.RespondWithError(w, apperrors.ErrOverloaded)
				return
			}

			if required != authgate.RolePublic {
				if err := gate.CheckNetwork(clientAddr); err != nil {
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
			}

			var sess *session.Session
			before := ""
			if cookie, err := r.Cookie(cookieName); err == nil {
				if loaded, err := sessions.Load(r.Context(), clientAddr, cookie.Value); err == nil {
					sess = loaded
					before = sessions.Cookie(cookieName, sess)
				}
			}

			// a path that requires more than a public role but arrived
			// with no usable cookie gets one shot at HTTP Basic
			// credentials before falling back to 401, the same way /rpc
			// and /messagebus/v1 clients authenticate in the original.
			if sess == nil && required != authgate.RolePublic {
				if created, ok := authenticateViaBasic(r, gate, sessions, clientAddr); ok {
					sess = created
					before = ""
				}
			}

			var id *authgate.Identity
			if sess != nil {
				id = &authgate.Identity{
					Username:   sess.Username,
					Host:       sess.Host,
					IsAdmin:    sess.IsAdmin,
					IsReadOnly: sess.IsReadOnly,
				}
			}
			if err := authgate.RequireRole(required, id); err != nil {
				if sess == nil {
					w.Header().Set("WWW-Authenticate", `Basic realm="confd"`)
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			ctx := r.Context()
			if sess != nil {
				ctx = context.WithValue(ctx, session.ContextKey, sess)
			}

			// the websocket upgrade path needs the real ResponseWriter's
			// Hijack support, so it bypasses the buffering entirely; the
			// bus handler doesn't rely on a post-hoc Set-Cookie anyway.
			if r.URL.Path == "/messagebus/v1" {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			buffered := newBufferedResponse()
			next.ServeHTTP(buffered, r.WithContext(ctx))

			if sess != nil {
				_ = sessions.Touch(r.Context(), sess)
				if after := sessions.Cookie(cookieName, sess); after != "" && after != before {
					buffered.header.Set("Set-Cookie", after)
				}
			}
			buffered.Flush(w)
		})
	}
}

// authenticateViaBasic extracts HTTP Basic credentials from r, runs them
// through the block check and credential store, and on success opens a new
// session the same way loginHandler does. It reports ok=false for any
// failure (missing header, bad credentials, blocked client) without writing
// a response itself, leaving the caller's normal role-enforcement path to
// render the right status code.
func authenticateViaBasic(r *http.Request, gate *authgate.Gate, sessions *session.Manager, clientAddr string) (*session.Session, bool) {
	username, password, ok := authgate.BasicAuth(r.Header.Get("Authorization"))
	if !ok {
		return nil, false
	}
	if err := gate.CheckBlocked(r.Context(), clientAddr); err != nil {
		return nil, false
	}
	identity, err := gate.AuthenticateUser(r.Context(), username, password)
	if err != nil {
		gate.RecordFailure(r.Context(), clientAddr)
		return nil, false
	}
	gate.RevokeAdminOutsideNetwork(clientAddr, identity)

	persistent := !isCurlUserAgent(r.UserAgent())
	sess, err := sessions.New(r.Context(), clientAddr, sessions.ClampMaxAge(0), persistent)
	if err != nil {
		return nil, false
	}
	sess.Username = identity.Username
	sess.Host = identity.Host
	sess.IsAdmin = identity.IsAdmin
	sess.IsReadOnly = identity.IsReadOnly
	if err := sessions.Store(r.Context(), sess); err != nil {
		return nil, false
	}
	return sess, true
}
