// deal-events-consumer tails the audit stream the scraper's outbox relay
// feeds and surfaces the interesting events: cost alerts, cycle summaries
// and the per-call cost ledger. It is the reference consumer for anything
// downstream that wants to react to scraper activity.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rdb := redis.NewClient(&redis.Options{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down...")
		cancel()
	}()

	consumer := &Consumer{
		redis:  rdb,
		stream: getEnv("REDIS_STREAM", "stream:deal_events"),
		group:  getEnv("CONSUMER_GROUP", "deal-events-group"),
		name:   getEnv("CONSUMER_NAME", "consumer-1"),
		logger: logger,
	}

	if err := consumer.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("consumer stopped with error", "error", err)
		os.Exit(1)
	}
}

type Consumer struct {
	redis  *redis.Client
	stream string
	group  string
	name   string
	logger *slog.Logger
}

func (c *Consumer) Run(ctx context.Context) error {
	// Group may already exist from a previous run.
	c.redis.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()

	c.logger.Info("consumer started", "stream", c.stream, "group", c.group)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    c.group,
				Consumer: c.name,
				Streams:  []string{c.stream, ">"},
				Count:    10,
				Block:    5 * time.Second,
			}).Result()

			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Error("failed to read from stream", "error", err)
				time.Sleep(time.Second)
				continue
			}

			for _, stream := range streams {
				for _, message := range stream.Messages {
					c.handleMessage(message)

					if err := c.redis.XAck(ctx, c.stream, c.group, message.ID).Err(); err != nil {
						c.logger.Error("failed to acknowledge message", "id", message.ID, "error", err)
					}
				}
			}
		}
	}
}

func (c *Consumer) handleMessage(msg redis.XMessage) {
	eventType, _ := msg.Values["event_type"].(string)
	payloadStr, _ := msg.Values["payload"].(string)

	switch eventType {
	case "COST_ALERT":
		var payload struct {
			Date     string  `json:"date"`
			TotalUSD float64 `json:"total_usd"`
		}
		if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
			c.logger.Error("failed to parse cost alert", "id", msg.ID, "error", err)
			return
		}
		c.logger.Warn("daily AI spend crossed alert threshold",
			"date", payload.Date,
			"total_usd", payload.TotalUSD)

	case "CYCLE_COMPLETED":
		var payload struct {
			Attempted     int `json:"attempted"`
			Succeeded     int `json:"succeeded"`
			Failed        int `json:"failed"`
			Skipped       int `json:"skipped"`
			RecordsStored int `json:"records_stored"`
		}
		if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
			c.logger.Error("failed to parse cycle summary", "id", msg.ID, "error", err)
			return
		}
		c.logger.Info("scrape cycle completed",
			"attempted", payload.Attempted,
			"succeeded", payload.Succeeded,
			"failed", payload.Failed,
			"skipped", payload.Skipped,
			"records_stored", payload.RecordsStored)

	case "COST_LEDGER_ENTRY":
		var payload struct {
			Extractor string  `json:"extractor"`
			CostUSD   float64 `json:"cost_usd"`
		}
		if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
			c.logger.Error("failed to parse ledger entry", "id", msg.ID, "error", err)
			return
		}
		c.logger.Info("metered AI call billed",
			"extractor", payload.Extractor,
			"cost_usd", payload.CostUSD)

	default:
		c.logger.Debug("ignoring event", "type", eventType, "id", msg.ID)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
