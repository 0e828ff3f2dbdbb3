// Command dlq inspects the Redis-backed dead-letter list.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go-msgbus/internal/config"
	"go-msgbus/internal/deadletter"
	"go-msgbus/internal/observability"

	"github.com/redis/go-redis/v9"
)

func main() {
	drain := flag.Bool("drain", false, "remove entries after printing them")
	count := flag.Bool("count", false, "print only the number of entries")
	flag.Parse()

	log := observability.GetLogger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if cfg.Redis.Addr == "" {
		log.Fatal("REDIS_ADDR must be set to inspect dead letters")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	store := deadletter.NewRedisStore(client, cfg.Messaging.DeadLetterQueue)

	if *count {
		n, err := store.Len(ctx)
		if err != nil {
			log.WithError(err).Fatal("Failed to count dead letters")
		}
		fmt.Println(n)
		return
	}

	var entries []deadletter.Entry
	if *drain {
		entries, err = store.Drain(ctx)
	} else {
		entries, err = store.List(ctx)
	}
	if err != nil {
		if len(entries) == 0 {
			log.WithError(err).Fatal("Failed to read dead letters")
		}
		// Drained entries are gone from the store; print what was recovered.
		log.WithError(err).WithField("recovered", len(entries)).Error("Some dead letters could not be decoded")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		log.WithError(err).Fatal("Failed to write output")
	}
	log.WithField("entries", len(entries)).WithField("drained", *drain).Info("Dead letters listed")
}
