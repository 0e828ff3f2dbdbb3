package rabbitmq

import (
	"context"
	"fmt"
	"net/url"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the binding uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Connection is the subset of *amqp.Connection the binding uses.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// DialFunc opens a broker connection.
type DialFunc func(uri string) (Connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Dial connects using amqp091-go.
func Dial(uri string) (Connection, error) {
	conn, err := amqp.DialConfig(uri, amqp.Config{
		Properties: amqp.Table{"connection_name": "go-msgbus"},
	})
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// mergeCredentials applies username and password to uri, overriding any
// userinfo already present.
func mergeCredentials(uri, username, password string) (string, error) {
	if username == "" && password == "" {
		return uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid rabbitmq uri: %w", err)
	}
	u.User = url.UserPassword(username, password)
	return u.String(), nil
}

// SanitizeURL removes the password from uri so it can be logged.
func SanitizeURL(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}

var _ Channel = (*amqp.Channel)(nil)
