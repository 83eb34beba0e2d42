package transport

import (
	"sort"
	"sync"

	"github.com/LemmyAI/presence/internal/protocol"
)

// MockTransport is a mock implementation for testing.
type MockTransport struct {
	mu       sync.Mutex
	conns    map[protocol.ID]bool
	messages []MockMessage
	sent     []MockMessage
	handlers struct {
		message    MessageHandler
		connect    ConnectHandler
		disconnect DisconnectHandler
	}
}

// MockMessage records a sent or received message.
type MockMessage struct {
	ID   protocol.ID
	Data []byte
}

// NewMockTransport creates a new mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{conns: make(map[protocol.ID]bool)}
}

// Send records the message as sent to a known connection.
func (t *MockTransport) Send(id protocol.ID, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.conns[id] {
		return ErrUnknownConnection
	}
	t.sent = append(t.sent, MockMessage{ID: id, Data: data})
	return nil
}

// Connections returns the simulated connections in sorted order.
func (t *MockTransport) Connections() []protocol.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]protocol.ID, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close does nothing in mock.
func (t *MockTransport) Close() error {
	return nil
}

// OnMessage registers a handler.
func (t *MockTransport) OnMessage(handler MessageHandler) {
	t.handlers.message = handler
}

// OnConnect registers a handler.
func (t *MockTransport) OnConnect(handler ConnectHandler) {
	t.handlers.connect = handler
}

// OnDisconnect registers a handler.
func (t *MockTransport) OnDisconnect(handler DisconnectHandler) {
	t.handlers.disconnect = handler
}

// --- Test helpers ---

// SimulateMessage simulates receiving a message.
func (t *MockTransport) SimulateMessage(id protocol.ID, data []byte) {
	t.mu.Lock()
	t.messages = append(t.messages, MockMessage{ID: id, Data: data})
	t.mu.Unlock()

	if t.handlers.message != nil {
		t.handlers.message(id, data)
	}
}

// SimulateConnect simulates a client connecting.
func (t *MockTransport) SimulateConnect(id protocol.ID) {
	t.mu.Lock()
	t.conns[id] = true
	t.mu.Unlock()

	if t.handlers.connect != nil {
		t.handlers.connect(id)
	}
}

// SimulateDisconnect simulates a client disconnecting.
func (t *MockTransport) SimulateDisconnect(id protocol.ID) {
	t.mu.Lock()
	delete(t.conns, id)
	t.mu.Unlock()

	if t.handlers.disconnect != nil {
		t.handlers.disconnect(id)
	}
}

// SentMessages returns all sent messages.
func (t *MockTransport) SentMessages() []MockMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]MockMessage{}, t.sent...)
}

// SentTo returns the messages sent to one connection.
func (t *MockTransport) SentTo(id protocol.ID) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out [][]byte
	for _, m := range t.sent {
		if m.ID == id {
			out = append(out, m.Data)
		}
	}
	return out
}

// ReceivedMessages returns all received messages.
func (t *MockTransport) ReceivedMessages() []MockMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]MockMessage{}, t.messages...)
}

// Clear clears all recorded messages.
func (t *MockTransport) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = t.messages[:0]
	t.sent = t.sent[:0]
}
