// Package transport defines the contract every broker binding satisfies and
// the per-destination delivery loop the bindings share.
package transport

import (
	"context"
	"errors"
	"fmt"

	"go-msgbus/pkg/models"
)

var (
	// ErrClosed is returned by operations on a binding after Close.
	ErrClosed = errors.New("transport closed")
	// ErrSourceClosed is returned by a Source whose broker stream has ended.
	ErrSourceClosed = errors.New("delivery source closed")
)

// Delivery is a message handed to a subscriber together with the
// broker-specific handle needed to acknowledge or reject it.
type Delivery struct {
	Message     *models.Message
	Destination string
	Handle      interface{}
}

// Handler processes one delivery. Within a destination, handlers are invoked
// one at a time in delivery order.
type Handler func(ctx context.Context, d Delivery) error

// Binding is implemented once per broker paradigm.
//
// Subscribe registers a single active handler per destination. Calling it
// again for the same destination REPLACES the previous handler (last writer
// wins); the running delivery loop is reused and no second consumer is
// started.
//
// Acknowledge marks a delivery consumed. Bindings for log brokers implement
// it as a no-op because the broker tracks committed offsets itself.
//
// Close stops every delivery loop from accepting new deliveries, waits for
// in-flight handlers to return and releases connections. It is idempotent.
type Binding interface {
	Name() string
	Send(ctx context.Context, destination string, msg *models.Message) error
	Subscribe(ctx context.Context, destination string, handler Handler) error
	Acknowledge(ctx context.Context, d Delivery) error
	Close() error
}

// Rejecter is implemented by bindings that can hand a delivery back to the
// broker, either for redelivery or for removal.
type Rejecter interface {
	Reject(ctx context.Context, d Delivery, requeue bool) error
}

// HealthChecker is implemented by bindings that can check broker connectivity.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Error is a transient broker or network failure.
type Error struct {
	Transport   string
	Op          string
	Destination string
	Err         error
}

func (e *Error) Error() string {
	if e.Destination == "" {
		return fmt.Sprintf("%s %s: %v", e.Transport, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Transport, e.Op, e.Destination, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err carries a transport Error.
func IsTransportError(err error) bool {
	var transportErr *Error
	return errors.As(err, &transportErr)
}
