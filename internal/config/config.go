package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"go-msgbus/internal/retry"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	TransportLogBroker   = "log-broker"
	TransportQueueBroker = "queue-broker"

	PolicyDeadLetter = "dead-letter"
	PolicyRedeliver  = "redeliver"
)

// ErrInvalidConfiguration is matched by every *ConfigurationError.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// ConfigurationError reports an invalid or missing setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

type Config struct {
	Messaging MessagingConfig
	// Kafka is nil unless KAFKA_BROKERS is set.
	Kafka *KafkaConfig
	// RabbitMQ is nil unless RABBITMQ_URI is set.
	RabbitMQ *RabbitMQConfig
	Redis    RedisConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
}

type MessagingConfig struct {
	Transport            string        `env:"MESSAGING_TRANSPORT"`
	RetryAttempts        int           `env:"MESSAGING_RETRY_ATTEMPTS" envDefault:"5"`
	RetryDelayMS         int           `env:"MESSAGING_RETRY_DELAY_MS" envDefault:"1000"`
	RetryMultiplier      float64       `env:"MESSAGING_RETRY_MULTIPLIER" envDefault:"0"`
	RetryMaxDelayMS      int           `env:"MESSAGING_RETRY_MAX_DELAY_MS" envDefault:"0"`
	DeadLetterQueue      string        `env:"MESSAGING_DEAD_LETTER_QUEUE" envDefault:"dead-letter-queue"`
	DeadLetterForward    bool          `env:"MESSAGING_DEAD_LETTER_FORWARD" envDefault:"false"`
	DeadLetterCapacity   int           `env:"MESSAGING_DEAD_LETTER_CAPACITY" envDefault:"0"`
	ConsumeFailurePolicy string        `env:"MESSAGING_CONSUME_FAILURE_POLICY" envDefault:"dead-letter"`
	HandlerTimeout       time.Duration `env:"MESSAGING_HANDLER_TIMEOUT" envDefault:"30s"`
}

type KafkaConfig struct {
	Brokers       []string
	BrokerList    string   `env:"KAFKA_BROKERS"`
	ClientID      string   `env:"KAFKA_CLIENT_ID" envDefault:"kafka-client"`
	GroupID       string   `env:"KAFKA_GROUP_ID"`
	TLS           bool     `env:"KAFKA_TLS" envDefault:"false"`
	SASLMechanism string   `env:"KAFKA_SASL_MECHANISM"`
	SASLUsername  string   `env:"KAFKA_SASL_USERNAME"`
	SASLPassword  string   `env:"KAFKA_SASL_PASSWORD"`
}

type RabbitMQConfig struct {
	URI      string `env:"RABBITMQ_URI"`
	Queue    string `env:"RABBITMQ_QUEUE" envDefault:"default-queue"`
	Username string `env:"RABBITMQ_USERNAME"`
	Password string `env:"RABBITMQ_PASSWORD"`
	Prefetch int    `env:"RABBITMQ_PREFETCH" envDefault:"1"`
	Durable  bool   `env:"RABBITMQ_DURABLE" envDefault:"true"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type LoggingConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

type MetricsConfig struct {
	Addr string `env:"METRICS_ADDR" envDefault:":9090"`
}

// Load reads an optional .env file, then the process environment. It does
// not validate; call Validate before building a binding.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := &Config{}
	for _, target := range []interface{}{&cfg.Messaging, &cfg.Redis, &cfg.Logging, &cfg.Metrics} {
		if err := env.Parse(target); err != nil {
			return nil, fmt.Errorf("failed to parse environment: %w", err)
		}
	}

	var kafkaCfg KafkaConfig
	if err := env.Parse(&kafkaCfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if kafkaCfg.BrokerList != "" {
		kafkaCfg.Brokers = parseBrokers(kafkaCfg.BrokerList)
		cfg.Kafka = &kafkaCfg
	}

	var rabbitCfg RabbitMQConfig
	if err := env.Parse(&rabbitCfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if rabbitCfg.URI != "" {
		cfg.RabbitMQ = &rabbitCfg
	}

	return cfg, nil
}

// NormalizeTransport maps accepted transport names, including the broker
// aliases, to TransportLogBroker or TransportQueueBroker.
func NormalizeTransport(name string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case TransportLogBroker, "kafka":
		return TransportLogBroker, true
	case TransportQueueBroker, "rabbitmq", "amqp":
		return TransportQueueBroker, true
	default:
		return "", false
	}
}

// Validate reports the first invalid setting as a *ConfigurationError.
func (c *Config) Validate() error {
	m := c.Messaging

	transport, ok := NormalizeTransport(m.Transport)
	if !ok {
		if m.Transport == "" {
			return &ConfigurationError{Field: "MESSAGING_TRANSPORT", Reason: "must be set to log-broker or queue-broker"}
		}
		return &ConfigurationError{Field: "MESSAGING_TRANSPORT", Reason: fmt.Sprintf("unknown transport %q", m.Transport)}
	}

	if m.RetryAttempts < 1 {
		return &ConfigurationError{Field: "MESSAGING_RETRY_ATTEMPTS", Reason: "must be at least 1"}
	}
	if m.RetryDelayMS < 0 {
		return &ConfigurationError{Field: "MESSAGING_RETRY_DELAY_MS", Reason: "cannot be negative"}
	}
	if m.RetryMultiplier < 0 {
		return &ConfigurationError{Field: "MESSAGING_RETRY_MULTIPLIER", Reason: "cannot be negative"}
	}
	if m.RetryMaxDelayMS < 0 {
		return &ConfigurationError{Field: "MESSAGING_RETRY_MAX_DELAY_MS", Reason: "cannot be negative"}
	}
	if strings.TrimSpace(m.DeadLetterQueue) == "" {
		return &ConfigurationError{Field: "MESSAGING_DEAD_LETTER_QUEUE", Reason: "cannot be empty"}
	}
	if m.DeadLetterCapacity < 0 {
		return &ConfigurationError{Field: "MESSAGING_DEAD_LETTER_CAPACITY", Reason: "cannot be negative"}
	}
	switch m.ConsumeFailurePolicy {
	case PolicyDeadLetter, PolicyRedeliver:
	default:
		return &ConfigurationError{Field: "MESSAGING_CONSUME_FAILURE_POLICY", Reason: fmt.Sprintf("unknown policy %q", m.ConsumeFailurePolicy)}
	}
	if m.HandlerTimeout <= 0 {
		return &ConfigurationError{Field: "MESSAGING_HANDLER_TIMEOUT", Reason: "must be positive"}
	}

	switch transport {
	case TransportLogBroker:
		if c.Kafka == nil || len(c.Kafka.Brokers) == 0 {
			return &ConfigurationError{Field: "KAFKA_BROKERS", Reason: "required for the log-broker transport"}
		}
		if err := c.Kafka.validateSASL(); err != nil {
			return err
		}
	case TransportQueueBroker:
		if c.RabbitMQ == nil || c.RabbitMQ.URI == "" {
			return &ConfigurationError{Field: "RABBITMQ_URI", Reason: "required for the queue-broker transport"}
		}
		if c.RabbitMQ.Prefetch < 1 {
			return &ConfigurationError{Field: "RABBITMQ_PREFETCH", Reason: "must be at least 1"}
		}
	}

	return nil
}

func (k *KafkaConfig) validateSASL() error {
	switch strings.ToLower(k.SASLMechanism) {
	case "":
		return nil
	case "plain", "scram-sha-256", "scram-sha-512":
		if k.SASLUsername == "" || k.SASLPassword == "" {
			return &ConfigurationError{Field: "KAFKA_SASL_USERNAME", Reason: "username and password required for " + k.SASLMechanism}
		}
		return nil
	case "oauthbearer":
		// The token provider is supplied in code, not through the environment.
		return nil
	default:
		return &ConfigurationError{Field: "KAFKA_SASL_MECHANISM", Reason: fmt.Sprintf("unsupported mechanism %q", k.SASLMechanism)}
	}
}

// TransportName returns the normalized transport, or "" when unset or unknown.
func (c *Config) TransportName() string {
	name, _ := NormalizeTransport(c.Messaging.Transport)
	return name
}

// RetryPolicy converts the retry settings.
func (c *Config) RetryPolicy() retry.Policy {
	m := c.Messaging
	return retry.Policy{
		MaxAttempts: m.RetryAttempts,
		Delay:       time.Duration(m.RetryDelayMS) * time.Millisecond,
		Multiplier:  m.RetryMultiplier,
		MaxDelay:    time.Duration(m.RetryMaxDelayMS) * time.Millisecond,
	}
}

func parseBrokers(brokers string) []string {
	parts := strings.Split(brokers, ",")
	result := make([]string, 0, len(parts))
	for _, broker := range parts {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
