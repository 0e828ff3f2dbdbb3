package kafka

import (
	"context"
	"fmt"
	"io"
	"sync"

	kafka "github.com/segmentio/kafka-go"
)

// MockWriter is a mock implementation of MessageWriter for testing
type MockWriter struct {
	mu        sync.Mutex
	Written   []kafka.Message
	WriteFunc func(ctx context.Context, msgs ...kafka.Message) error
	FailCount int
	failures  int
	closed    int
}

func NewMockWriter() *MockWriter {
	return &MockWriter{}
}

func (m *MockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, msgs...)
	}

	// Simulate failures for testing retry logic
	if m.FailCount > 0 && m.failures < m.FailCount {
		m.failures++
		return fmt.Errorf("simulated write failure %d", m.failures)
	}

	m.Written = append(m.Written, msgs...)
	return nil
}

func (m *MockWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *MockWriter) GetWritten() []kafka.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]kafka.Message, len(m.Written))
	copy(out, m.Written)
	return out
}

func (m *MockWriter) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockReader is a mock implementation of MessageReader. Messages queued with
// Push are returned by ReadMessage in order.
type MockReader struct {
	queue     chan kafka.Message
	done      chan struct{}
	closeOnce sync.Once
}

func NewMockReader() *MockReader {
	return &MockReader{
		queue: make(chan kafka.Message, 64),
		done:  make(chan struct{}),
	}
}

func (m *MockReader) Push(msg kafka.Message) {
	m.queue <- msg
}

func (m *MockReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case <-m.done:
		return kafka.Message{}, io.EOF
	case msg := <-m.queue:
		return msg, nil
	}
}

func (m *MockReader) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MockReader) Closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}
