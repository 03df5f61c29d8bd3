// Package transport assembles the HTTP request pipeline: the chi router,
// its middleware stack (base/statistics/session per §4.E), and the route
// table mounting the RPC, message bus, session, and status endpoints.
package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/uib-gmbh/confd/internal/authgate"
	"github.com/uib-gmbh/confd/internal/bus"
	"github.com/uib-gmbh/confd/internal/rpc"
	"github.com/uib-gmbh/confd/internal/session"
	"github.com/uib-gmbh/confd/internal/telemetry"
)

// Deps bundles everything the router needs to wire its routes.
type Deps struct {
	Sessions   *session.Manager
	Gate       *authgate.Gate
	RPC        *rpc.Handler
	Bus        *bus.Handler
	Query      *telemetry.QueryHandler
	CookieName string
	Log        zerolog.Logger
}

// NewRouter builds the full chi.Router for the service.
func NewRouter(deps Deps) chi.Router {
	r := chi.NewRouter()

	r.Use(corsMiddleware())
	r.Use(BaseMiddleware(deps.Log))
	r.Use(StatisticsMiddleware)
	r.Use(SessionMiddleware(deps.Sessions, deps.Gate, deps.CookieName))

	r.Post("/rpc", deps.RPC.ServeHTTP)
	r.Get("/rpc", deps.RPC.ServeHTTP)

	r.Get("/messagebus/v1", deps.Bus.ServeHTTP)

	r.Post("/session/login", loginHandler(deps))
	r.Post("/session/logout", logoutHandler(deps))
	r.Get("/session/authenticated", authenticatedHandler())

	if deps.Query != nil {
		r.Post("/metrics/grafana/query", deps.Query.ServeHTTP)
	}

	r.Get("/status/*", statusHandler())
	r.Get("/public/*", publicHandler())

	return r
}

func corsMiddleware() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			// reflect scheme and port, per §4.E step 1
			return origin != ""
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}

func statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

func publicHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}
}

func authenticatedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := r.Context().Value(session.ContextKey).(*session.Session)
		authenticated := ok && sess != nil && (sess.Username != "" || sess.Host != "")
		w.Header().Set("Content-Type", "application/json")
		if authenticated {
			_, _ = w.Write([]byte(`true`))
		} else {
			_, _ = w.Write([]byte(`false`))
		}
	}
}

func loginHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := authgate.BasicAuth(r.Header.Get("Authorization"))
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="confd"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		clientAddr := ClientAddr(r)
		if err := deps.Gate.CheckBlocked(r.Context(), clientAddr); err != nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		identity, err := deps.Gate.AuthenticateUser(r.Context(), username, password)
		if err != nil {
			deps.Gate.RecordFailure(r.Context(), clientAddr)
			w.Header().Set("WWW-Authenticate", `Basic realm="confd"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		deps.Gate.RevokeAdminOutsideNetwork(clientAddr, identity)

		persistent := !isCurlUserAgent(r.UserAgent())
		sess, err := deps.Sessions.New(r.Context(), clientAddr, deps.Sessions.ClampMaxAge(0), persistent)
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		sess.Username = identity.Username
		sess.IsAdmin = identity.IsAdmin
		sess.IsReadOnly = identity.IsReadOnly
		if err := deps.Sessions.Store(r.Context(), sess); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		if cookie := deps.Sessions.Cookie(deps.CookieName, sess); cookie != "" {
			w.Header().Set("Set-Cookie", cookie)
		}
		w.WriteHeader(http.StatusOK)
	}
}

func logoutHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := r.Context().Value(session.ContextKey).(*session.Session)
		if ok && sess != nil {
			_ = deps.Sessions.Delete(r.Context(), sess)
		}
		w.WriteHeader(http.StatusOK)
	}
}

func isCurlUserAgent(ua string) bool {
	const prefix = "curl/"
	return len(ua) >= len(prefix) && ua[:len(prefix)] == prefix
}
