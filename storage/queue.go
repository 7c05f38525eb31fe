package storage

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

var errNoConsumer = errors.New("command queue consumer not configured")

// Dequeue retrieves a single message from the command queue. It returns nil
// when the queue is empty.
func (s *Storage) Dequeue(ctx context.Context) (*azqueue.DequeuedMessage, error) {
	if s.consumer == nil {
		return nil, errNoConsumer
	}
	resp, err := s.consumer.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	return resp.Messages[0], nil
}

// DeleteMessage removes a processed message from the command queue.
func (s *Storage) DeleteMessage(ctx context.Context, id, receipt string) error {
	if s.consumer == nil {
		return errNoConsumer
	}
	_, err := s.consumer.DeleteMessage(ctx, id, receipt, nil)
	return err
}
