package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("MESSAGING_TRANSPORT", "log-broker")
	t.Setenv("KAFKA_BROKERS", "localhost:9092, localhost:9093 ,")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Messaging.RetryAttempts)
	assert.Equal(t, "dead-letter-queue", cfg.Messaging.DeadLetterQueue)
	assert.Equal(t, PolicyDeadLetter, cfg.Messaging.ConsumeFailurePolicy)
	assert.Equal(t, 30*time.Second, cfg.Messaging.HandlerTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)

	require.NotNil(t, cfg.Kafka)
	assert.Equal(t, []string{"localhost:9092", "localhost:9093"}, cfg.Kafka.Brokers)
	assert.Equal(t, "kafka-client", cfg.Kafka.ClientID)
	assert.Nil(t, cfg.RabbitMQ)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, time.Second, policy.Delay)
	assert.False(t, policy.Exponential())
}

func TestLoad_RabbitMQ(t *testing.T) {
	t.Setenv("MESSAGING_TRANSPORT", "rabbitmq")
	t.Setenv("RABBITMQ_URI", "amqp://broker:5672")
	t.Setenv("RABBITMQ_PREFETCH", "4")
	t.Setenv("MESSAGING_RETRY_MULTIPLIER", "2")
	t.Setenv("MESSAGING_RETRY_MAX_DELAY_MS", "5000")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, TransportQueueBroker, cfg.TransportName())
	require.NotNil(t, cfg.RabbitMQ)
	assert.Equal(t, "default-queue", cfg.RabbitMQ.Queue)
	assert.Equal(t, 4, cfg.RabbitMQ.Prefetch)
	assert.True(t, cfg.RabbitMQ.Durable)
	assert.Nil(t, cfg.Kafka)

	policy := cfg.RetryPolicy()
	assert.True(t, policy.Exponential())
	assert.Equal(t, 5*time.Second, policy.MaxDelay)
}

func TestLoad_InvalidNumber(t *testing.T) {
	t.Setenv("MESSAGING_RETRY_ATTEMPTS", "many")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Messaging: MessagingConfig{
				Transport:            TransportLogBroker,
				RetryAttempts:        3,
				RetryDelayMS:         100,
				DeadLetterQueue:      "dlq",
				ConsumeFailurePolicy: PolicyDeadLetter,
				HandlerTimeout:       time.Second,
			},
			Kafka: &KafkaConfig{Brokers: []string{"localhost:9092"}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown transport", mutate: func(c *Config) { c.Messaging.Transport = "carrier-pigeon" }, field: "MESSAGING_TRANSPORT"},
		{name: "missing transport", mutate: func(c *Config) { c.Messaging.Transport = "" }, field: "MESSAGING_TRANSPORT"},
		{name: "zero attempts", mutate: func(c *Config) { c.Messaging.RetryAttempts = 0 }, field: "MESSAGING_RETRY_ATTEMPTS"},
		{name: "negative delay", mutate: func(c *Config) { c.Messaging.RetryDelayMS = -1 }, field: "MESSAGING_RETRY_DELAY_MS"},
		{name: "empty dlq", mutate: func(c *Config) { c.Messaging.DeadLetterQueue = " " }, field: "MESSAGING_DEAD_LETTER_QUEUE"},
		{name: "unknown policy", mutate: func(c *Config) { c.Messaging.ConsumeFailurePolicy = "ignore" }, field: "MESSAGING_CONSUME_FAILURE_POLICY"},
		{name: "zero timeout", mutate: func(c *Config) { c.Messaging.HandlerTimeout = 0 }, field: "MESSAGING_HANDLER_TIMEOUT"},
		{name: "kafka block missing", mutate: func(c *Config) { c.Kafka = nil }, field: "KAFKA_BROKERS"},
		{name: "rabbitmq block missing", mutate: func(c *Config) { c.Messaging.Transport = TransportQueueBroker }, field: "RABBITMQ_URI"},
		{name: "sasl without credentials", mutate: func(c *Config) { c.Kafka.SASLMechanism = "scram-sha-512" }, field: "KAFKA_SASL_USERNAME"},
		{name: "unsupported sasl", mutate: func(c *Config) { c.Kafka.SASLMechanism = "gssapi" }, field: "KAFKA_SASL_MECHANISM"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}

			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigurationError, got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

func TestNormalizeTransport(t *testing.T) {
	for in, want := range map[string]string{
		"log-broker":   TransportLogBroker,
		"Kafka":        TransportLogBroker,
		"queue-broker": TransportQueueBroker,
		" rabbitmq ":   TransportQueueBroker,
	} {
		got, ok := NormalizeTransport(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := NormalizeTransport("sqs")
	assert.False(t, ok)
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:1", "b:2"}, parseBrokers(" a:1,,b:2 "))
	assert.Empty(t, parseBrokers(""))
}
