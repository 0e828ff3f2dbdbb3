package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MockConnection is a mock implementation of Connection for testing
type MockConnection struct {
	mu          sync.Mutex
	Channels    []*MockChannel
	ChannelFunc func() (Channel, error)
	closed      bool
	closeCalls  int
}

func NewMockConnection() *MockConnection {
	return &MockConnection{}
}

func (m *MockConnection) Dial(uri string) (Connection, error) {
	return m, nil
}

func (m *MockConnection) Channel() (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ChannelFunc != nil {
		return m.ChannelFunc()
	}
	if m.closed {
		return nil, amqp.ErrClosed
	}
	ch := NewMockChannel()
	m.Channels = append(m.Channels, ch)
	return ch, nil
}

func (m *MockConnection) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Drop simulates the broker closing the connection.
func (m *MockConnection) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *MockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	if m.closed {
		return amqp.ErrClosed
	}
	m.closed = true
	return nil
}

func (m *MockConnection) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

// ChannelAt returns the i-th channel opened; index 0 is the publish channel.
func (m *MockConnection) ChannelAt(i int) *MockChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.Channels) {
		return nil
	}
	return m.Channels[i]
}

type Published struct {
	Queue      string
	Publishing amqp.Publishing
}

// MockChannel is a mock implementation of Channel. Deliveries queued with
// Deliver are handed to the consumer started by Consume.
type MockChannel struct {
	mu          sync.Mutex
	Declared    []string
	Durable     map[string]bool
	Prefetch    int
	Published   []Published
	PublishFunc func(ctx context.Context, key string, msg amqp.Publishing) error
	deliveries  chan amqp.Delivery
	closed      bool
}

func NewMockChannel() *MockChannel {
	return &MockChannel{
		Durable:    make(map[string]bool),
		deliveries: make(chan amqp.Delivery, 64),
	}
}

func (m *MockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Declared = append(m.Declared, name)
	m.Durable[name] = durable
	return amqp.Queue{Name: name}, nil
}

func (m *MockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prefetch = prefetchCount
	return nil
}

func (m *MockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if autoAck {
		return nil, errors.New("auto-ack consumers are not supported")
	}
	return m.deliveries, nil
}

func (m *MockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return amqp.ErrClosed
	}
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, key, msg)
	}
	m.Published = append(m.Published, Published{Queue: key, Publishing: msg})
	return nil
}

func (m *MockChannel) Deliver(d amqp.Delivery) {
	m.deliveries <- d
}

func (m *MockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return amqp.ErrClosed
	}
	m.closed = true
	close(m.deliveries)
	return nil
}

func (m *MockChannel) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockChannel) GetPublished() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Published, len(m.Published))
	copy(out, m.Published)
	return out
}

func (m *MockChannel) DeclareCount(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.Declared {
		if q == queue {
			n++
		}
	}
	return n
}

// MockAcknowledger records acks and nacks issued on deliveries.
type MockAcknowledger struct {
	mu      sync.Mutex
	Acks    []uint64
	Nacks   []uint64
	Requeue []bool
}

func (m *MockAcknowledger) Ack(tag uint64, multiple bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Acks = append(m.Acks, tag)
	return nil
}

func (m *MockAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Nacks = append(m.Nacks, tag)
	m.Requeue = append(m.Requeue, requeue)
	return nil
}

func (m *MockAcknowledger) Reject(tag uint64, requeue bool) error {
	return m.Nack(tag, false, requeue)
}

// Rejections returns the requeue flag of every nack in order.
func (m *MockAcknowledger) Rejections() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bool, len(m.Requeue))
	copy(out, m.Requeue)
	return out
}
