package bus_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uib-gmbh/confd/internal/bus"
	"github.com/uib-gmbh/confd/internal/testutil"
)

var upgrader = websocket.Upgrader{}

func TestConnection_RewritesSpoofedSenderOnIngress(t *testing.T) {
	client := testutil.NewTestRedis(t)
	principal := bus.Principal{SessionChannel: "session:abc", UserChannel: "user:alice"}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		c := bus.NewConnection(conn, client, principal, nil, zerolog.Nop())
		c.Open(ctx)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	spoofed := &bus.Message{
		Type:    bus.TypeEvent,
		Channel: "$",
		Sender:  "user:root", // attempted impersonation
	}
	encoded, err := bus.Encode(spoofed)
	require.NoError(t, err)
	require.NoError(t, clientConn.WriteMessage(websocket.BinaryMessage, encoded))

	require.Eventually(t, func() bool {
		entries, err := client.XRange(ctx, bus.StreamKey(principal.SessionChannel), "-", "+").Result()
		return err == nil && len(entries) == 1
	}, time.Second, 10*time.Millisecond)

	entries, err := client.XRange(ctx, bus.StreamKey(principal.SessionChannel), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	raw, ok := entries[0].Values["payload"].(string)
	require.True(t, ok)
	decoded, err := bus.Decode([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, principal.UserChannel, decoded.Sender, "sender must always be the authenticated principal, never client-supplied")
	assert.NotEqual(t, "user:root", decoded.Sender)
}
