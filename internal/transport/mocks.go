package transport

import (
	"context"
	"fmt"
	"sync"

	"go-msgbus/pkg/models"
)

// MockBinding is an in-memory Binding for testing
type MockBinding struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	SendFunc     func(ctx context.Context, destination string, msg *models.Message) error
	AckFunc      func(ctx context.Context, d Delivery) error
	HealthFunc   func(ctx context.Context) error
	FailCount    int
	sendCalls    int
	subscribes   int
	acked        []Delivery
	rejected     []RejectedDelivery
	closeCalls   int
	released     int
	queues       map[string]chan Delivery
	subs         *Subscriptions
}

type SentMessage struct {
	Destination string
	Message     *models.Message
}

type RejectedDelivery struct {
	Delivery Delivery
	Requeue  bool
}

func NewMockBinding() *MockBinding {
	return &MockBinding{
		SentMessages: make([]SentMessage, 0),
		queues:       make(map[string]chan Delivery),
		subs:         NewSubscriptions(nil),
	}
}

func (m *MockBinding) Name() string {
	return "mock"
}

func (m *MockBinding) Send(ctx context.Context, destination string, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sendCalls++

	if m.SendFunc != nil {
		if err := m.SendFunc(ctx, destination, msg); err != nil {
			return err
		}
	} else if m.FailCount > 0 && m.sendCalls <= m.FailCount {
		// Simulate failures for testing retry logic
		return &Error{
			Transport:   "mock",
			Op:          "send",
			Destination: destination,
			Err:         fmt.Errorf("simulated send failure %d", m.sendCalls),
		}
	}

	m.SentMessages = append(m.SentMessages, SentMessage{Destination: destination, Message: msg})
	return nil
}

func (m *MockBinding) Subscribe(ctx context.Context, destination string, handler Handler) error {
	m.mu.Lock()
	m.subscribes++
	m.mu.Unlock()

	return m.subs.Register(destination, handler, func(ctx context.Context) (Source, error) {
		return &ChannelSource{C: m.queue(destination)}, nil
	})
}

// Publish enqueues a delivery for the destination's loop, as a broker would.
func (m *MockBinding) Publish(destination string, msg *models.Message) {
	m.queue(destination) <- Delivery{Message: msg, Destination: destination, Handle: msg.ID}
}

// Deliver invokes the registered handler synchronously.
func (m *MockBinding) Deliver(ctx context.Context, destination string, msg *models.Message) error {
	handler, ok := m.subs.Handler(destination)
	if !ok {
		return fmt.Errorf("no subscriber for %s", destination)
	}
	return handler(ctx, Delivery{Message: msg, Destination: destination, Handle: msg.ID})
}

func (m *MockBinding) queue(destination string) chan Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[destination]
	if !ok {
		q = make(chan Delivery, 64)
		m.queues[destination] = q
	}
	return q
}

func (m *MockBinding) Acknowledge(ctx context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AckFunc != nil {
		if err := m.AckFunc(ctx, d); err != nil {
			return err
		}
	}
	m.acked = append(m.acked, d)
	return nil
}

func (m *MockBinding) Reject(ctx context.Context, d Delivery, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rejected = append(m.rejected, RejectedDelivery{Delivery: d, Requeue: requeue})
	return nil
}

func (m *MockBinding) HealthCheck(ctx context.Context) error {
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return nil
}

func (m *MockBinding) Close() error {
	m.mu.Lock()
	m.closeCalls++
	first := m.closeCalls == 1
	if first {
		m.released++
	}
	m.mu.Unlock()

	if !first {
		return nil
	}
	return m.subs.Close()
}

func (m *MockBinding) SendCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendCalls
}

func (m *MockBinding) GetSentMessages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	messages := make([]SentMessage, len(m.SentMessages))
	copy(messages, m.SentMessages)
	return messages
}

func (m *MockBinding) Acked() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.acked...)
}

func (m *MockBinding) Rejected() []RejectedDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RejectedDelivery(nil), m.rejected...)
}

func (m *MockBinding) Subscribes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribes
}

// Released reports how many times the binding actually released resources.
func (m *MockBinding) Released() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

func (m *MockBinding) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SentMessages = make([]SentMessage, 0)
	m.sendCalls = 0
	m.acked = nil
	m.rejected = nil
}
