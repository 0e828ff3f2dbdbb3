package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-msgbus/internal/config"
	"go-msgbus/internal/delivery"
	"go-msgbus/internal/observability"
	"go-msgbus/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

func sampleOrder() map[string]interface{} {
	return map[string]interface{}{
		"event_type":  "order_created",
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
		"order_id":    "ORD-" + uuid.NewString()[:8],
		"customer_id": "CUST-567890",
		"items": []interface{}{
			map[string]interface{}{
				"product_id": "PROD-111",
				"name":       "iPhone 15 Pro",
				"quantity":   1,
				"price":      42900.00,
			},
			map[string]interface{}{
				"product_id": "PROD-222",
				"name":       "AirPods Pro",
				"quantity":   1,
				"price":      8990.00,
			},
		},
		"total_amount": "51890.00",
		"currency":     "THB",
		"shipping_address": map[string]interface{}{
			"province":    "Bangkok",
			"district":    "Chatuchak",
			"postal_code": "10900",
		},
		"payment_method": "credit_card",
		"status":         "pending",
	}
}

func main() {
	topic := flag.String("topic", "Order", "destination topic or queue")
	count := flag.Int("count", 1, "number of messages to send")
	flag.Parse()

	log := observability.GetLogger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	observability.InitLogger(cfg.Logging.Level)

	zl, err := observability.NewLogger(cfg.Logging.Level)
	if err != nil {
		log.WithError(err).Fatal("Failed to build logger")
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord, err := delivery.Open(ctx, cfg, delivery.Logger(zl))
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize messaging")
	}
	defer coord.Close()

	deadLettered := 0
	for i := 0; i < *count && ctx.Err() == nil; i++ {
		msg, err := models.NewJSONMessage(*topic, sampleOrder())
		if err != nil {
			log.WithError(err).Error("Failed to encode order")
			continue
		}
		msg.Key = uuid.NewString()

		receipt, err := coord.Produce(ctx, *topic, msg)
		if err != nil {
			log.WithError(err).WithField("message_id", msg.ID).Error("Message lost: dead-letter store unavailable")
			continue
		}

		entry := log.WithFields(logrus.Fields{
			"message_id": receipt.MessageID,
			"attempts":   receipt.Attempts,
			"topic":      *topic,
		})
		if receipt.DeadLettered {
			deadLettered++
			entry.WithField("reason", receipt.Reason).Warn("Message dead-lettered")
			continue
		}
		entry.Info("Message sent")
	}

	snap := coord.Metrics()
	zl.Info("Producer finished",
		zap.Int64("sent", snap.MessagesSent),
		zap.Int64("failed", snap.MessagesFailed),
	)
	if deadLettered > 0 {
		coord.Close()
		os.Exit(2)
	}
}
