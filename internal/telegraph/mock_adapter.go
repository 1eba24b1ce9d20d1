package telegraph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	errMockClosed       = errors.New("mock adapter: already closed")
	errMockDisconnected = errors.New("mock adapter: not connected")
)

// MockAdapter is an in-memory Adapter for tests. Outbound messages and the
// bytes of uploaded files are recorded; inbound messages are injected with
// Deliver and attachment content is registered with Serve.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	self      string
	failSend  error
	inbound   chan InboundMessage
	sent      []OutboundMessage
	uploads   map[string][]byte
	content   map[string][]byte
}

// NewMockAdapter returns a disconnected MockAdapter.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound: make(chan InboundMessage, 100),
		uploads: make(map[string][]byte),
		content: make(map[string][]byte),
	}
}

func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errMockClosed
	}
	m.connected = true
	return nil
}

func (m *MockAdapter) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, errMockDisconnected
	}
	return m.inbound, nil
}

// Send records msg. An attached file is read before Send returns because
// callers may discard it right after.
func (m *MockAdapter) Send(ctx context.Context, msg OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case !m.connected:
		return errMockDisconnected
	case m.failSend != nil:
		return m.failSend
	}
	if msg.File != nil {
		data, err := os.ReadFile(msg.File.Path)
		if err != nil {
			return fmt.Errorf("mock adapter: upload %s: %w", msg.File.Name, err)
		}
		m.uploads[msg.File.Name] = data
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *MockAdapter) Download(ctx context.Context, att Attachment) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.content[att.ID]; ok {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil, fmt.Errorf("mock adapter: no content for attachment %s", att.ID)
}

func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed, m.connected = true, false
		close(m.inbound)
	}
	return nil
}

func (m *MockAdapter) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

// SetBotUserID sets the ID BotUserID reports.
func (m *MockAdapter) SetBotUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.self = id
}

// Deliver injects msg as if the platform had sent it, stamping it with the
// current time when it has none.
func (m *MockAdapter) Deliver(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.inbound <- msg
}

// Serve registers the bytes Download returns for attachment id.
func (m *MockAdapter) Serve(id string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[id] = data
}

// FailSends makes Send return err until it is called again with nil.
func (m *MockAdapter) FailSends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSend = err
}

// Uploaded returns the bytes of the file sent under name.
func (m *MockAdapter) Uploaded(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.uploads[name]
	return data, ok
}

// Sent returns a copy of everything sent so far.
func (m *MockAdapter) Sent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutboundMessage(nil), m.sent...)
}

// Last returns the most recent message sent, if any.
func (m *MockAdapter) Last() (OutboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return OutboundMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}
