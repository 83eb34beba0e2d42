// Package transport provides the server side of the connection transport.
// This allows swapping websocket or mock implementations without changing presence logic.
package transport

import (
	"errors"
	"time"

	"github.com/LemmyAI/presence/internal/protocol"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrSendQueueFull     = errors.New("send queue full")
	ErrClosed            = errors.New("transport closed")
)

// Transport is the interface for network communication.
type Transport interface {
	// Send queues data for one connection. Delivery is in order per connection.
	Send(id protocol.ID, data []byte) error

	// Connections lists the currently established connections.
	Connections() []protocol.ID

	// Close shuts down the transport and every connection.
	Close() error

	// OnMessage registers a handler for incoming messages.
	OnMessage(handler MessageHandler)

	// OnConnect registers a handler for new connections.
	OnConnect(handler ConnectHandler)

	// OnDisconnect registers a handler for closed connections.
	OnDisconnect(handler DisconnectHandler)
}

// MessageHandler is called when a message is received.
type MessageHandler func(id protocol.ID, data []byte)

// ConnectHandler is called when a new client connects, before any of its
// messages are delivered.
type ConnectHandler func(id protocol.ID)

// DisconnectHandler is called after a connection has been removed.
type DisconnectHandler func(id protocol.ID)

// Stats are running counters exposed on the status endpoint.
type Stats struct {
	Connections int   `json:"connections"`
	Dropped     int64 `json:"dropped"`
	RateLimited int64 `json:"rate_limited"`
}

// Config holds transport configuration.
type Config struct {
	SendBuffer   int           `mapstructure:"send_buffer"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	MessageRate  float64       `mapstructure:"message_rate"` // messages per second, 0 disables limiting
	MessageBurst int           `mapstructure:"message_burst"`

	// Binary sends frames as binary websocket messages. Set from the codec.
	Binary bool `mapstructure:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SendBuffer:   64,
		ReadLimit:    1 << 20, // 1MB
		WriteWait:    5 * time.Second,
		PongWait:     60 * time.Second,
		PingPeriod:   25 * time.Second,
		MessageRate:  50,
		MessageBurst: 100,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SendBuffer <= 0 {
		return errors.New("send_buffer must be positive")
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		return errors.New("ping_period must be positive and shorter than pong_wait")
	}
	if c.MessageRate < 0 {
		return errors.New("message_rate must not be negative")
	}
	return nil
}
