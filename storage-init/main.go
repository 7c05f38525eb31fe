package main

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"minutes-api/config"
)

const queueAlreadyExists = "QueueAlreadyExists"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := cfg.NewLogger()
	logger.Info("storage init starting")

	if err := cfg.RequireStorage(); err != nil {
		logger.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := createTable(ctx, cfg.StorageConnectionString, cfg.RecordsTable); err != nil {
		logger.Fatalf("create table %s: %v", cfg.RecordsTable, err)
	}
	logger.WithField("table", cfg.RecordsTable).Info("table ready")

	if err := createQueue(ctx, cfg.StorageConnectionString, cfg.CommandQueue); err != nil {
		logger.Fatalf("create queue %s: %v", cfg.CommandQueue, err)
	}
	logger.WithField("queue", cfg.CommandQueue).Info("queue ready")

	logger.Info("storage init complete")
}

func createTable(ctx context.Context, connStr, name string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	_, err = svc.NewClient(name).CreateTable(ctx, nil)
	return ignoreExisting(err, string(aztables.TableAlreadyExists))
}

func createQueue(ctx context.Context, connStr, name string) error {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return err
	}
	_, err = q.Create(ctx, nil)
	return ignoreExisting(err, queueAlreadyExists)
}

// ignoreExisting treats the service's "already exists" answer as success so
// the tool can run on every deploy.
func ignoreExisting(err error, code string) error {
	var respErr *azcore.ResponseError
	if err == nil || (errors.As(err, &respErr) && respErr.ErrorCode == code) {
		return nil
	}
	return err
}
