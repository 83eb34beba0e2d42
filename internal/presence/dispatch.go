package presence

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/LemmyAI/presence/internal/protocol"
	"github.com/LemmyAI/presence/internal/transport"
)

// Handle applies one decoded event from connection id. The returned error
// only explains a dropped request; nothing is sent back to the client.
func (s *Server) Handle(id protocol.ID, env *protocol.Envelope) error {
	if protocol.IsRelay(env.Event) {
		var req protocol.RelayRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		return s.Relay(id, env.Event, req)
	}

	switch env.Event {
	case protocol.EventJoin:
		var req protocol.JoinRequest
		if err := env.Decode(&req); err != nil {
			// Malformed optional fields fall back to defaults.
			req = protocol.JoinRequest{}
		}
		s.Join(id, req)
		return nil

	case protocol.EventMove:
		var req protocol.MoveRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		return s.Move(id, req)

	case protocol.EventCameraOn, protocol.EventCameraOff:
		return s.SetCamera(id, env.Event == protocol.EventCameraOn)

	case protocol.EventMicOn, protocol.EventMicOff:
		return s.SetMic(id, env.Event == protocol.EventMicOn)

	case protocol.EventResync:
		s.Resync(id)
		return nil

	case protocol.EventChat:
		var req protocol.ChatRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		return s.Chat(id, req.Text)
	}
	return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

// Bind wires the server to a transport: connects, frames decoded with codec,
// and disconnects all flow into the server. Undecodable frames and dropped
// requests are logged at debug level.
func (s *Server) Bind(t transport.Transport, codec protocol.Codec) {
	t.OnConnect(s.Connect)
	t.OnDisconnect(s.Disconnect)
	t.OnMessage(func(id protocol.ID, data []byte) {
		env, err := codec.Decode(data)
		if err != nil {
			s.log.Debug("undecodable frame", zap.String("from", string(id)), zap.Error(err))
			return
		}
		if err := s.Handle(id, env); err != nil {
			s.log.Debug("request dropped",
				zap.String("from", string(id)), zap.String("event", env.Event), zap.Error(err))
		}
	})
}
