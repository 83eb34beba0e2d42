package presence

import (
	"go.uber.org/zap"

	"github.com/LemmyAI/presence/internal/logging"
	"github.com/LemmyAI/presence/internal/protocol"
	"github.com/LemmyAI/presence/internal/transport"
)

// Broadcaster sends events to connections.
type Broadcaster interface {
	// Broadcast sends msg to every connection except excludeID. An empty
	// excludeID reaches everyone.
	Broadcast(msg *protocol.Envelope, excludeID protocol.ID) error
	SendTo(id protocol.ID, msg *protocol.Envelope) error
}

// TransportBroadcaster implements Broadcaster on top of a Transport.
type TransportBroadcaster struct {
	transport transport.Transport
	codec     protocol.Codec
	log       *zap.Logger
}

// NewTransportBroadcaster creates a broadcaster that frames envelopes with codec.
func NewTransportBroadcaster(t transport.Transport, codec protocol.Codec, logger *zap.Logger) *TransportBroadcaster {
	return &TransportBroadcaster{
		transport: t,
		codec:     codec,
		log:       logging.OrNop(logger),
	}
}

// Broadcast encodes msg once and queues it on every other connection.
// Per-connection failures are logged and do not stop the fan-out.
func (b *TransportBroadcaster) Broadcast(msg *protocol.Envelope, excludeID protocol.ID) error {
	data, err := b.codec.Encode(msg)
	if err != nil {
		return err
	}

	for _, id := range b.transport.Connections() {
		if id == excludeID {
			continue
		}
		if err := b.transport.Send(id, data); err != nil {
			b.log.Debug("broadcast dropped",
				zap.String("event", msg.Event), zap.String("to", string(id)), zap.Error(err))
		}
	}
	return nil
}

// SendTo encodes msg and queues it on one connection.
func (b *TransportBroadcaster) SendTo(id protocol.ID, msg *protocol.Envelope) error {
	data, err := b.codec.Encode(msg)
	if err != nil {
		return err
	}
	return b.transport.Send(id, data)
}
