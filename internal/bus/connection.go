package bus

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/uib-gmbh/confd/internal/redisfabric"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sessionTouchEvery = 5 * time.Second
)

// State is the connection's position in the §4.G.3 state machine.
type State int

const (
	StateConnect State = iota
	StateAuthorized
	StateSubscribed
	StateClosing
	StateClosed
)

// TouchFunc refreshes a session's last_used timestamp, called every 5s
// while the connection is open.
type TouchFunc func(ctx context.Context) error

// Connection holds one /messagebus/v1 WebSocket's state: its principal, its
// set of active readers, and the plumbing to write outgoing frames without
// interleaving writers.
type Connection struct {
	conn      *websocket.Conn
	client    *redis.Client
	producer  *Producer
	principal Principal
	touch     TouchFunc
	log       zerolog.Logger

	mu      sync.Mutex
	readers map[string]context.CancelFunc
	send    chan *Message
	state   State
}

// NewConnection wraps an upgraded websocket.Conn for the given principal.
func NewConnection(conn *websocket.Conn, client *redis.Client, principal Principal, touch TouchFunc, log zerolog.Logger) *Connection {
	return &Connection{
		conn:      conn,
		client:    client,
		producer:  NewProducer(client),
		principal: principal,
		touch:     touch,
		log:       log,
		readers:   map[string]context.CancelFunc{},
		send:      make(chan *Message, 256),
		state:     StateConnect,
	}
}

// presenceKey counts simultaneous websockets for a principal's user/host
// channel, so only the first connection emits the *_connected event.
func presenceKey(userChannel string) string {
	return redisfabric.Key("bus", "presence", userChannel)
}

// Open runs the full connection lifecycle: subscribe to the default
// channels, emit the connected event if first, then drive the read/write
// pumps until the socket closes.
func (c *Connection) Open(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.state = StateAuthorized

	c.subscribe(ctx, c.principal.SessionChannel, "$", false)
	c.subscribe(ctx, c.principal.UserChannel, ">", true)
	c.state = StateSubscribed

	count, err := c.client.Incr(ctx, presenceKey(c.principal.UserChannel)).Result()
	if err == nil && count == 1 {
		c.emitPresenceEvent(ctx, "connected")
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.readPump(ctx, cancel) }()
	go func() { defer wg.Done(); c.writePump(ctx) }()
	go func() { defer wg.Done(); c.touchLoop(ctx) }()
	wg.Wait()

	c.close(context.Background())
}

func (c *Connection) emitPresenceEvent(ctx context.Context, kind string) {
	eventType := "event:user_connected"
	if kind == "disconnected" {
		eventType = "event:user_disconnected"
	}
	msg := &Message{
		Type:    TypeEvent,
		Channel: eventType,
		Sender:  c.principal.UserChannel,
		Data:    map[string]string{"user_channel": c.principal.UserChannel},
	}
	_ = c.producer.Send(ctx, c.principal, msg)
}

// subscribe starts a reader task for channel starting at startID, unless
// one is already running for it.
func (c *Connection) subscribe(ctx context.Context, channel, startID string, autoAdvance bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.readers[channel]; exists {
		return
	}
	readerCtx, cancel := context.WithCancel(ctx)
	c.readers[channel] = cancel
	reader := NewPlainReader(c.client, channel, startID, autoAdvance)
	go func() {
		_ = reader.Run(readerCtx, c.sendChan())
	}()
}

// subscribeGroup starts a consumer-group reader, used for the
// service-channel "join the consumer group to process work" admin path.
func (c *Connection) subscribeGroup(ctx context.Context, channel, consumer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.readers[channel]; exists {
		return
	}
	readerCtx, cancel := context.WithCancel(ctx)
	c.readers[channel] = cancel
	reader := NewConsumerGroupReader(c.client, channel, consumer)
	go func() {
		_ = reader.Run(readerCtx, c.sendChan())
	}()
}

func (c *Connection) unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, exists := c.readers[channel]; exists {
		cancel()
		delete(c.readers, channel)
	}
}

func (c *Connection) sendChan() chan<- *Message { return c.send }

// handleSubscriptionRequest mutates the reader set per the ADD/SET/REMOVE
// operation, access-checking every requested channel.
func (c *Connection) handleSubscriptionRequest(ctx context.Context, req *Message) {
	resolved := make([]string, 0, len(req.Channels))
	for _, raw := range req.Channels {
		resolved = append(resolved, ExpandShorthand(raw, c.principal.SessionChannel, c.principal.UserChannel))
	}

	allowed := make([]string, 0, len(resolved))
	for _, channel := range resolved {
		if err := CheckAccess(c.principal, channel, false); err != nil {
			c.send <- ErrorMessage(req.ID, channel, "access denied: "+err.Error())
			continue
		}
		allowed = append(allowed, channel)
	}

	switch req.Operation {
	case SubAdd:
		for _, channel := range allowed {
			c.subscribeDefault(ctx, channel)
		}
	case SubSet:
		if len(allowed) > 0 {
			c.replaceSubscriptions(ctx, allowed)
		}
	case SubRemove:
		for _, channel := range allowed {
			c.unsubscribe(channel)
		}
	}
}

func (c *Connection) subscribeDefault(ctx context.Context, channel string) {
	if isServiceChannel(channel) && c.principal.IsAdmin {
		c.subscribeGroup(ctx, channel, c.principal.UserChannel+":"+c.principal.SessionChannel)
		return
	}
	c.subscribe(ctx, channel, "$", false)
}

func (c *Connection) replaceSubscriptions(ctx context.Context, keep []string) {
	c.mu.Lock()
	var stale []string
	keepSet := map[string]bool{}
	for _, k := range keep {
		keepSet[k] = true
	}
	for channel := range c.readers {
		if !keepSet[channel] {
			stale = append(stale, channel)
		}
	}
	c.mu.Unlock()

	for _, channel := range stale {
		c.unsubscribe(channel)
	}
	for _, channel := range keep {
		c.subscribeDefault(ctx, channel)
	}
}

func (c *Connection) touchLoop(ctx context.Context) {
	ticker := time.NewTicker(sessionTouchEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.touch != nil {
				_ = c.touch(ctx)
			}
		}
	}
}

func (c *Connection) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := Decode(data)
		if err != nil {
			c.send <- ErrorMessage("", "", "malformed message")
			continue
		}

		// sender is always rewritten to the authenticated principal: the
		// one security invariant that can never be client-controlled.
		msg.Sender = c.principal.UserChannel

		if msg.Type == TypeChannelSubscriptionRequest {
			c.handleSubscriptionRequest(ctx, msg)
			continue
		}

		channel := ExpandShorthand(msg.Channel, c.principal.SessionChannel, c.principal.UserChannel)
		msg.Channel = channel
		if err := CheckAccess(c.principal, channel, true); err != nil {
			c.send <- ErrorMessage(msg.ID, channel, "access denied: "+err.Error())
			continue
		}
		if err := c.producer.Send(ctx, c.principal, msg); err != nil {
			c.send <- ErrorMessage(msg.ID, channel, err.Error())
		}
	}
}

func (c *Connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
			return
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			encoded, err := Encode(msg)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, encoded); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close stops every reader task without waiting, decrements the presence
// counter, emits a disconnected event if this was the last connection for
// the principal, and deletes the session channel's stream.
func (c *Connection) close(ctx context.Context) {
	c.mu.Lock()
	c.state = StateClosing
	for channel, cancel := range c.readers {
		cancel()
		delete(c.readers, channel)
	}
	c.mu.Unlock()

	count, err := c.client.Decr(ctx, presenceKey(c.principal.UserChannel)).Result()
	if err == nil && count <= 0 {
		c.emitPresenceEvent(ctx, "disconnected")
	}

	_ = c.client.Del(ctx, StreamKey(c.principal.SessionChannel)).Err()
	c.state = StateClosed
}
