package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go-msgbus/internal/config"
	"go-msgbus/internal/delivery"
	"go-msgbus/internal/observability"
	"go-msgbus/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"
)

func main() {
	serviceName := flag.String("service", "", "service name, used as the consumer group")
	topics := flag.String("topics", "Order", "comma separated destinations to consume")
	healthInterval := flag.Duration("health-interval", 10*time.Second, "broker health check interval")
	flag.Parse()

	log := observability.GetLogger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	observability.InitLogger(cfg.Logging.Level)
	if *serviceName != "" && cfg.Kafka != nil {
		cfg.Kafka.GroupID = *serviceName
	}

	zl, err := observability.NewLogger(cfg.Logging.Level)
	if err != nil {
		log.WithError(err).Fatal("Failed to build logger")
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewInMemoryMetrics()
	coord, err := delivery.Open(ctx, cfg, delivery.Logger(zl), delivery.Metrics(metrics))
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize messaging")
	}
	defer coord.Close()

	processor := service.NewMessageProcessor()
	for _, topic := range strings.Split(*topics, ",") {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		if err := coord.Consume(ctx, topic, processor.Process); err != nil {
			log.WithError(err).WithField("topic", topic).Fatal("Failed to subscribe")
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		observability.NewCollector("msgbus", metrics),
		collectors.NewGoCollector(),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/metrics.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(coord.Metrics())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !metrics.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		zl.Info("Metrics server listening", zap.String("addr", cfg.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		coord.MonitorHealth(ctx, *healthInterval)
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil {
		zl.Error("Consumer stopped with error", zap.Error(err))
	}

	if err := coord.Close(); err != nil {
		zl.Error("Failed to close messaging", zap.Error(err))
	}
	zl.Info("Consumer stopped", zap.Int64("processed", processor.Processed()))
}
