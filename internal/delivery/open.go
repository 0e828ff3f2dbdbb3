package delivery

import (
	"context"
	"fmt"

	"go-msgbus/internal/config"
	"go-msgbus/internal/deadletter"
	"go-msgbus/internal/kafka"
	"go-msgbus/internal/observability"
	"go-msgbus/internal/rabbitmq"
	"go-msgbus/internal/retry"
	"go-msgbus/internal/transport"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type openOptions struct {
	logger        *zap.Logger
	metrics       observability.MetricsCollector
	tokenProvider kafka.TokenProvider
	redisClient   redis.UniversalClient
	dialer        rabbitmq.DialFunc
	kafkaOpts     []kafka.Option
}

type OpenOption func(*openOptions)

func Logger(logger *zap.Logger) OpenOption {
	return func(o *openOptions) {
		o.logger = logger
	}
}

// Metrics sets the sink shared with the HTTP exporter.
func Metrics(m observability.MetricsCollector) OpenOption {
	return func(o *openOptions) {
		o.metrics = m
	}
}

// TokenProvider supplies OAuth bearer tokens for KAFKA_SASL_MECHANISM=oauthbearer.
func TokenProvider(p kafka.TokenProvider) OpenOption {
	return func(o *openOptions) {
		o.tokenProvider = p
	}
}

// RedisClient uses client for the dead-letter store instead of dialing
// REDIS_ADDR. The caller keeps ownership.
func RedisClient(client redis.UniversalClient) OpenOption {
	return func(o *openOptions) {
		o.redisClient = client
	}
}

// RabbitMQDialer replaces the AMQP dialer used by the queue-broker binding.
func RabbitMQDialer(dial rabbitmq.DialFunc) OpenOption {
	return func(o *openOptions) {
		o.dialer = dial
	}
}

// KafkaOptions passes extra options to the log-broker binding, such as a
// test writer or reader factory.
func KafkaOptions(opts ...kafka.Option) OpenOption {
	return func(o *openOptions) {
		o.kafkaOpts = append(o.kafkaOpts, opts...)
	}
}

// Open validates cfg and assembles a Coordinator for the selected transport.
// Configuration problems surface as *config.ConfigurationError before any
// broker connection is attempted.
func Open(ctx context.Context, cfg *config.Config, opts ...OpenOption) (*Coordinator, error) {
	if cfg == nil {
		return nil, &config.ConfigurationError{Field: "config", Reason: "missing"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := openOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observability.NewInMemoryMetrics()
	}

	binding, err := openBinding(ctx, cfg, o)
	if err != nil {
		return nil, err
	}

	var closers []Option
	client := o.redisClient
	if client == nil && cfg.Redis.Addr != "" {
		owned := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := owned.Ping(ctx).Err(); err != nil {
			owned.Close()
			binding.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		client = owned
		closers = append(closers, withCloser(owned.Close))
	}

	var store deadletter.Store
	if client != nil {
		store = deadletter.NewRedisStore(client, cfg.Messaging.DeadLetterQueue,
			deadletter.WithCapacity(cfg.Messaging.DeadLetterCapacity))
	} else {
		store = deadletter.NewMemoryStore(cfg.Messaging.DeadLetterCapacity)
	}

	routerOpts := []deadletter.Option{deadletter.WithLogger(o.logger)}
	if cfg.Messaging.DeadLetterForward {
		routerOpts = append(routerOpts, deadletter.WithForwarder(cfg.Messaging.DeadLetterQueue, binding.Send))
	}
	router := deadletter.NewRouter(store, o.metrics, routerOpts...)

	engine := retry.NewEngine(cfg.RetryPolicy(), retry.WithLogger(o.logger))

	policy := DeadLetterOnFailure
	if cfg.Messaging.ConsumeFailurePolicy == config.PolicyRedeliver {
		policy = RedeliverOnFailure
	}

	coordOpts := append([]Option{
		WithLogger(o.logger),
		WithConsumePolicy(policy),
		WithHandlerTimeout(cfg.Messaging.HandlerTimeout),
	}, closers...)

	o.logger.Info("Messaging initialized",
		zap.String("transport", cfg.TransportName()),
		zap.Int("retry_attempts", cfg.Messaging.RetryAttempts),
		zap.String("dead_letter_queue", cfg.Messaging.DeadLetterQueue),
		zap.Bool("durable_dead_letters", client != nil),
		zap.Stringer("consume_policy", policy),
	)
	return New(binding, engine, router, o.metrics, coordOpts...), nil
}

func openBinding(ctx context.Context, cfg *config.Config, o openOptions) (transport.Binding, error) {
	switch cfg.TransportName() {
	case config.TransportLogBroker:
		return openKafka(cfg.Kafka, o)
	case config.TransportQueueBroker:
		return openRabbitMQ(ctx, cfg.RabbitMQ, o)
	default:
		return nil, &config.ConfigurationError{Field: "MESSAGING_TRANSPORT", Reason: "unknown transport"}
	}
}

func openKafka(kc *config.KafkaConfig, o openOptions) (transport.Binding, error) {
	kcfg := kafka.Config{
		Brokers:  kc.Brokers,
		ClientID: kc.ClientID,
		GroupID:  kc.GroupID,
		TLS:      kc.TLS,
	}
	if kc.SASLMechanism != "" {
		kcfg.SASL = &kafka.SASLConfig{
			Mechanism:     kc.SASLMechanism,
			Username:      kc.SASLUsername,
			Password:      kc.SASLPassword,
			TokenProvider: o.tokenProvider,
		}
	}

	opts := append([]kafka.Option{kafka.WithLogger(o.logger)}, o.kafkaOpts...)
	b, err := kafka.NewBinding(kcfg, opts...)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "KAFKA", Reason: err.Error()}
	}
	return b, nil
}

func openRabbitMQ(ctx context.Context, rc *config.RabbitMQConfig, o openOptions) (transport.Binding, error) {
	rcfg := rabbitmq.Config{
		URI:        rc.URI,
		Queue:      rc.Queue,
		Username:   rc.Username,
		Password:   rc.Password,
		NonDurable: !rc.Durable,
		Prefetch:   rc.Prefetch,
	}

	opts := []rabbitmq.Option{rabbitmq.WithLogger(o.logger)}
	if o.dialer != nil {
		opts = append(opts, rabbitmq.WithDialer(o.dialer))
	}
	b, err := rabbitmq.NewBinding(ctx, rcfg, opts...)
	if err != nil {
		return nil, err
	}
	return b, nil
}
