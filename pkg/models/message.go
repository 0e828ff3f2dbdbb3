package models

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Message represents a message in the system
type Message struct {
	ID          string            `json:"id"`
	Key         string            `json:"key,omitempty"`
	Value       []byte            `json:"value"`
	Headers     map[string]string `json:"headers,omitempty"`
	Destination string            `json:"destination"`
	Timestamp   time.Time         `json:"timestamp"`
	Attempt     int               `json:"attempt,omitempty"`
}

// MessageHeader constants
const (
	HeaderMessageID           = "message-id"
	HeaderAttempt             = "attempt"
	HeaderOriginalDestination = "original-destination"
	HeaderFailureReason       = "failure-reason"
	HeaderFailedAt            = "failed-at"
	HeaderContentType         = "content-type"
)

const ContentTypeJSON = "application/json"

// NewMessage creates a message with a generated id and the current time.
func NewMessage(destination string, value []byte) *Message {
	return &Message{
		ID:          uuid.NewString(),
		Value:       value,
		Headers:     make(map[string]string),
		Destination: destination,
		Timestamp:   time.Now().UTC(),
	}
}

// NewJSONMessage encodes v as JSON and wraps it in a new message.
func NewJSONMessage(destination string, v interface{}) (*Message, error) {
	value, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	msg := NewMessage(destination, value)
	msg.Headers[HeaderContentType] = ContentTypeJSON
	return msg, nil
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	if m.Value != nil {
		c.Value = append([]byte(nil), m.Value...)
	}
	if m.Headers != nil {
		c.Headers = maps.Clone(m.Headers)
	} else {
		c.Headers = make(map[string]string)
	}
	return &c
}

// WithAttempt returns a copy of the message carrying the given attempt number.
func (m *Message) WithAttempt(attempt int) *Message {
	c := m.Clone()
	c.Attempt = attempt
	c.Headers[HeaderAttempt] = strconv.Itoa(attempt)
	return c
}

// Decode unmarshals a JSON value into v.
func (m *Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Value, v); err != nil {
		return fmt.Errorf("failed to decode message %s: %w", m.ID, err)
	}
	return nil
}

// AttemptFromHeaders parses the attempt header, returning 0 when absent or invalid.
func AttemptFromHeaders(headers map[string]string) int {
	if v, ok := headers[HeaderAttempt]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}
