package observability

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives delivery outcomes.
type MetricsCollector interface {
	IncSent(destination string)
	IncReceived(destination string)
	IncFailed(destination string)
	SetHealthy(healthy bool)
}

// Snapshot is the read-only view exposed for polling.
type Snapshot struct {
	UptimeSeconds    float64 `json:"uptimeSeconds"`
	Healthy          bool    `json:"healthy"`
	MessagesSent     int64   `json:"messagesSent"`
	MessagesReceived int64   `json:"messagesReceived"`
	MessagesFailed   int64   `json:"messagesFailed"`
}

// InMemoryMetrics keeps process-lifetime counters. Counters only grow.
type InMemoryMetrics struct {
	startedAt time.Time
	Sent      atomic.Int64
	Received  atomic.Int64
	Failed    atomic.Int64
	healthy   atomic.Bool
}

func NewInMemoryMetrics() *InMemoryMetrics {
	m := &InMemoryMetrics{startedAt: time.Now()}
	m.healthy.Store(true)
	return m
}

func (m *InMemoryMetrics) IncSent(destination string) {
	m.Sent.Add(1)
}

func (m *InMemoryMetrics) IncReceived(destination string) {
	m.Received.Add(1)
}

func (m *InMemoryMetrics) IncFailed(destination string) {
	m.Failed.Add(1)
}

func (m *InMemoryMetrics) SetHealthy(healthy bool) {
	m.healthy.Store(healthy)
}

func (m *InMemoryMetrics) Healthy() bool {
	return m.healthy.Load()
}

func (m *InMemoryMetrics) GetSent() int64 {
	return m.Sent.Load()
}

func (m *InMemoryMetrics) GetReceived() int64 {
	return m.Received.Load()
}

func (m *InMemoryMetrics) GetFailed() int64 {
	return m.Failed.Load()
}

func (m *InMemoryMetrics) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:    time.Since(m.startedAt).Seconds(),
		Healthy:          m.healthy.Load(),
		MessagesSent:     m.Sent.Load(),
		MessagesReceived: m.Received.Load(),
		MessagesFailed:   m.Failed.Load(),
	}
}
