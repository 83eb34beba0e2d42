// Package client is the participant side: the network facade that speaks
// the presence protocol, the local roster mirror, and the session that ties
// both to the signaling mesh.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chuckpreslar/emission"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/LemmyAI/presence/internal/logging"
	"github.com/LemmyAI/presence/internal/protocol"
)

// EventDisconnected is emitted locally once the connection is gone. Its
// envelope carries no data.
const EventDisconnected = "disconnected"

// Handler receives one server event.
type Handler func(env *protocol.Envelope)

const (
	sendBuffer = 64
	writeWait  = 5 * time.Second
)

// Client is the network facade. Events are emitted in arrival order on the
// read goroutine, so handlers for one event type never run concurrently.
type Client struct {
	emission.Emitter

	url    string
	codec  protocol.Codec
	dialer *websocket.Dialer
	log    *zap.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	id      protocol.ID
	send    chan []byte
	done    chan struct{}
	welcome chan struct{}
}

// New creates a facade for the websocket endpoint at url.
func New(url string, codec protocol.Codec, logger *zap.Logger) *Client {
	return &Client{
		Emitter: *emission.NewEmitter(),
		url:     url,
		codec:   codec,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:     logging.OrNop(logger),
	}
}

// Connect dials the server and waits until it has assigned an identity.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.mu.Unlock()

	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = ws
	c.send = make(chan []byte, sendBuffer)
	c.done = make(chan struct{})
	c.welcome = make(chan struct{})
	done, welcome := c.done, c.welcome
	c.mu.Unlock()

	go c.writeLoop(ws, c.send, done)
	go c.readLoop(ws, done)

	select {
	case <-welcome:
		c.log.Info("✅ connected", zap.String("url", c.url), zap.String("id", string(c.ID())))
		return nil
	case <-done:
		return ErrNoWelcome
	case <-ctx.Done():
		_ = c.Close()
		return ctx.Err()
	}
}

// ID returns the identity assigned by the server, or "" before the welcome.
func (c *Client) ID() protocol.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Send queues an event without blocking. Sends are fire-and-forget.
func (c *Client) Send(event string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := c.codec.Encode(env)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Subscribe registers h for event.
func (c *Client) Subscribe(event string, h Handler) {
	c.On(event, h)
}

// Unsubscribe removes a handler previously passed to Subscribe.
func (c *Client) Unsubscribe(event string, h Handler) {
	c.Off(event, h)
}

// Done is closed when the connection ends. It is nil before Connect.
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

// Close ends the connection.
func (c *Client) Close() error {
	c.mu.RLock()
	ws := c.conn
	c.mu.RUnlock()
	if ws == nil {
		return nil
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return ws.Close()
}

func (c *Client) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer func() {
		close(done)
		_ = ws.Close()
		c.log.Info("❎ disconnected", zap.String("id", string(c.ID())))
		c.EmitSync(EventDisconnected, &protocol.Envelope{Event: EventDisconnected})
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := c.codec.Decode(data)
		if err != nil {
			c.log.Debug("undecodable frame", zap.Error(err))
			continue
		}

		if env.Event == protocol.EventWelcome {
			var w protocol.Welcome
			if err := env.Decode(&w); err == nil && w.You != "" {
				c.mu.Lock()
				first := c.id == ""
				c.id = w.You
				c.mu.Unlock()
				if first {
					close(c.welcome)
				}
			}
		}
		c.EmitSync(env.Event, env)
	}
}

func (c *Client) writeLoop(ws *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	frame := websocket.TextMessage
	if c.codec.Binary() {
		frame = websocket.BinaryMessage
	}
	for {
		select {
		case <-done:
			return
		case data := <-send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(frame, data); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				_ = ws.Close()
				return
			}
		}
	}
}
