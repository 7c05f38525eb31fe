package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"minutes-api/config"
	"minutes-api/storage"
)

// maxDeliveries bounds how often a failing message is retried before it is
// dropped.
const maxDeliveries = 5

type commandQueue interface {
	Dequeue(ctx context.Context) (*azqueue.DequeuedMessage, error)
	DeleteMessage(ctx context.Context, id, receipt string) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := cfg.NewLogger()
	logger.Info("record updater starting")

	if err := cfg.RequireStorage(); err != nil {
		logger.Fatal(err)
	}
	store, err := storage.New(cfg.StorageConnectionString, cfg.RecordsTable, cfg.CommandQueue)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}

	var cache cacheEvicter
	if cfg.RedisConnectionString != "" {
		opts, err := cfg.RedisOptions()
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		rc := redis.NewClient(opts)
		defer rc.Close()
		cache = storage.NewCache(store, rc, cfg.CacheTTL)
	} else {
		logger.Warn("REDIS_CONNECTION_STRING not set, read cache will not be evicted")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run(ctx, store, newProcessor(store, cache, logger), cfg.PollInterval, logger)
	logger.Info("record updater stopped")
}

// run polls the queue until ctx is cancelled, sleeping for interval whenever
// the queue is empty or unreachable.
func run(ctx context.Context, q commandQueue, p *processor, interval time.Duration, logger *log.Logger) {
	for ctx.Err() == nil {
		handled, err := poll(ctx, q, p, logger)
		if err != nil && ctx.Err() == nil {
			logger.Errorf("poll: %v", err)
		}
		if handled && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
	}
}

// poll handles at most one message. It reports whether a message was
// received.
func poll(ctx context.Context, q commandQueue, p *processor, logger *log.Logger) (bool, error) {
	msg, err := q.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("receive: %w", err)
	}
	if msg == nil {
		return false, nil
	}

	var text string
	if msg.MessageText != nil {
		text = *msg.MessageText
	}
	err = p.process(ctx, text)
	switch {
	case err == nil:
	case errors.Is(err, errRejected):
		logger.WithField("message", messageID(msg)).Warnf("dropping command: %v", err)
	case deliveries(msg) >= maxDeliveries:
		logger.WithFields(log.Fields{"message": messageID(msg), "deliveries": deliveries(msg)}).Errorf("giving up on command: %v", err)
	default:
		return true, fmt.Errorf("apply %s: %w", messageID(msg), err)
	}

	if msg.MessageID == nil || msg.PopReceipt == nil {
		return true, errors.New("message without id or pop receipt")
	}
	if err := q.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt); err != nil {
		return true, fmt.Errorf("delete %s: %w", *msg.MessageID, err)
	}
	return true, nil
}

func messageID(msg *azqueue.DequeuedMessage) string {
	if msg.MessageID == nil {
		return ""
	}
	return *msg.MessageID
}

func deliveries(msg *azqueue.DequeuedMessage) int64 {
	if msg.DequeueCount == nil {
		return 0
	}
	return *msg.DequeueCount
}
