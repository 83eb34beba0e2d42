package transport

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/LemmyAI/presence/internal/logging"
	"github.com/LemmyAI/presence/internal/protocol"
)

// WebSocketTransport implements Transport over gorilla websocket
// connections. It is an http.Handler for the upgrade endpoint.
type WebSocketTransport struct {
	config   Config
	upgrader websocket.Upgrader
	log      *zap.Logger

	handlers struct {
		message    MessageHandler
		connect    ConnectHandler
		disconnect DisconnectHandler
	}

	mu     sync.RWMutex
	conns  map[protocol.ID]*wsConn
	closed bool

	dropped     atomic.Int64
	rateLimited atomic.Int64
}

type wsConn struct {
	id      protocol.ID
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
}

func (c *wsConn) stop() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// NewWebSocketTransport creates a websocket transport.
func NewWebSocketTransport(config Config, logger *zap.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:   logging.OrNop(logger),
		conns: make(map[protocol.ID]*wsConn),
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (t *WebSocketTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := &wsConn{
		id:   protocol.ID(uuid.New().String()),
		ws:   ws,
		send: make(chan []byte, t.config.SendBuffer),
		done: make(chan struct{}),
	}
	if t.config.MessageRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(t.config.MessageRate), t.config.MessageBurst)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ws.Close()
		return
	}
	t.conns[c.id] = c
	t.mu.Unlock()

	t.log.Info("✅ client connected", zap.String("id", string(c.id)), zap.String("remote", r.RemoteAddr))
	if t.handlers.connect != nil {
		t.handlers.connect(c.id)
	}

	go t.writePump(c)
	t.readPump(c)
}

// readPump delivers inbound frames until the connection fails, then
// unregisters it and reports the disconnect.
func (t *WebSocketTransport) readPump(c *wsConn) {
	defer func() {
		t.mu.Lock()
		delete(t.conns, c.id)
		t.mu.Unlock()
		c.stop()

		t.log.Info("❎ client disconnected", zap.String("id", string(c.id)))
		if t.handlers.disconnect != nil {
			t.handlers.disconnect(c.id)
		}
	}()

	c.ws.SetReadLimit(t.config.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(t.config.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(t.config.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.log.Debug("read failed", zap.String("id", string(c.id)), zap.Error(err))
			}
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			t.rateLimited.Add(1)
			continue
		}
		if t.handlers.message != nil {
			t.handlers.message(c.id, data)
		}
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (t *WebSocketTransport) writePump(c *wsConn) {
	ticker := time.NewTicker(t.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.stop()
	}()

	frame := websocket.TextMessage
	if t.config.Binary {
		frame = websocket.BinaryMessage
	}

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(t.config.WriteWait))
			if err := c.ws.WriteMessage(frame, data); err != nil {
				t.log.Debug("write failed", zap.String("id", string(c.id)), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(t.config.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues data without blocking. A full queue drops the message.
func (t *WebSocketTransport) Send(id protocol.ID, data []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	select {
	case c.send <- data:
		return nil
	default:
		t.dropped.Add(1)
		return ErrSendQueueFull
	}
}

// Connections returns the ids of all registered connections.
func (t *WebSocketTransport) Connections() []protocol.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]protocol.ID, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns the running counters.
func (t *WebSocketTransport) Stats() Stats {
	t.mu.RLock()
	n := len(t.conns)
	t.mu.RUnlock()
	return Stats{
		Connections: n,
		Dropped:     t.dropped.Load(),
		RateLimited: t.rateLimited.Load(),
	}
}

// Close refuses new connections and closes the open ones. Their disconnect
// handlers still run as the read pumps exit.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closed = true
	conns := make([]*wsConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(t.config.WriteWait))
		c.stop()
	}
	return nil
}

// OnMessage registers a handler for incoming messages.
func (t *WebSocketTransport) OnMessage(handler MessageHandler) {
	t.handlers.message = handler
}

// OnConnect registers a handler for new connections.
func (t *WebSocketTransport) OnConnect(handler ConnectHandler) {
	t.handlers.connect = handler
}

// OnDisconnect registers a handler for disconnections.
func (t *WebSocketTransport) OnDisconnect(handler DisconnectHandler) {
	t.handlers.disconnect = handler
}
