package bus

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/uib-gmbh/confd/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SessionManager is the subset of *session.Manager the handler needs,
// narrowed to an interface so tests can substitute a fake.
type SessionManager interface {
	TouchMessageBus(ctx context.Context, sess *session.Session) error
}

// Handler upgrades authenticated requests to the /messagebus/v1 endpoint.
type Handler struct {
	client   *redis.Client
	sessions SessionManager
	log      zerolog.Logger
}

// NewHandler builds a Handler publishing/reading through client.
func NewHandler(client *redis.Client, sessions SessionManager, log zerolog.Logger) *Handler {
	return &Handler{client: client, sessions: sessions, log: log}
}

// ServeHTTP implements the CONNECT step of §4.G.3: it requires an
// authenticated session already resolved by the request pipeline's session
// middleware and stashed in the request context.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if session.IsOverloaded(r.Context()) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rejectOverloaded(conn)
		return
	}

	sess, ok := r.Context().Value(session.ContextKey).(*session.Session)
	if !ok || sess == nil || sess.Username == "" && sess.Host == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	principal := Principal{
		SessionChannel: sess.SessionChannel(),
		UserChannel:    sess.UserChannel(),
		IsAdmin:        sess.IsAdmin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("messagebus upgrade failed")
		return
	}

	touch := func(ctx context.Context) error {
		return h.sessions.TouchMessageBus(ctx, sess)
	}

	connection := NewConnection(conn, h.client, principal, touch, h.log)
	connection.Open(r.Context())
}

// RejectUnauthorized closes a half-established connection with the
// WebSocket-flavored error mapping used by the request pipeline: a 4xxx
// close code rather than an HTTP status, for post-upgrade checks (e.g. a
// session that's revoked between upgrade and the first frame).
func RejectUnauthorized(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(4401, reason),
		time.Now().Add(writeWait),
	)
	_ = conn.Close()
}

// rejectOverloaded closes a connection upgraded during an overload window
// with the standard WebSocket "try again later" close code.
func rejectOverloaded(conn *websocket.Conn) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(1013, "server overloaded"),
		time.Now().Add(writeWait),
	)
	_ = conn.Close()
}
