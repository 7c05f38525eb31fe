package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"minutes-api/domain"
)

type fakeQueue struct {
	mu       sync.Mutex
	inFlight int
	max      int
	count    int
	failAt   int
	sleep    time.Duration
	contents []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{failAt: -1, sleep: 1 * time.Millisecond}
}

func (f *fakeQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	f.mu.Lock()
	idx := f.count
	f.count++
	f.inFlight++
	if f.inFlight > f.max {
		f.max = f.inFlight
	}
	f.contents = append(f.contents, content)
	f.mu.Unlock()

	if f.sleep > 0 {
		select {
		case <-time.After(f.sleep):
		case <-ctx.Done():
			f.mu.Lock()
			f.inFlight--
			f.mu.Unlock()
			return azqueue.EnqueueMessagesResponse{}, ctx.Err()
		}
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if f.failAt >= 0 && idx == f.failAt {
		return azqueue.EnqueueMessagesResponse{}, errors.New("enqueue failure")
	}
	return azqueue.EnqueueMessagesResponse{}, nil
}

func (f *fakeQueue) GetProperties(ctx context.Context, o *azqueue.GetQueuePropertiesOptions) (azqueue.GetQueuePropertiesResponse, error) {
	return azqueue.GetQueuePropertiesResponse{}, nil
}

type fakeConsumer struct {
	messages []*azqueue.DequeuedMessage
	deleted  []string
}

func (f *fakeConsumer) DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error) {
	if len(f.messages) == 0 {
		return azqueue.DequeueMessagesResponse{}, nil
	}
	msg := f.messages[0]
	f.messages = f.messages[1:]
	return azqueue.DequeueMessagesResponse{Messages: []*azqueue.DequeuedMessage{msg}}, nil
}

func (f *fakeConsumer) DeleteMessage(ctx context.Context, id, receipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error) {
	f.deleted = append(f.deleted, id+":"+receipt)
	return azqueue.DeleteMessageResponse{}, nil
}

func TestEnqueueCommandsUsesConcurrency(t *testing.T) {
	fq := newFakeQueue()
	store := &Storage{commandQueue: fq, queueConcurrency: 4}
	cmds := make([]domain.Command, 8)
	for i := range cmds {
		cmds[i] = domain.Command{IdempotencyKey: "k"}
	}

	if err := store.EnqueueCommands(context.Background(), "user", cmds); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if fq.max < 2 {
		t.Fatalf("expected concurrent sends, max in flight: %d", fq.max)
	}
	if fq.count != len(cmds) {
		t.Fatalf("expected %d sends, got %d", len(cmds), fq.count)
	}
}

func TestEnqueueCommandsWrapsUser(t *testing.T) {
	fq := newFakeQueue()
	store := &Storage{commandQueue: fq, queueConcurrency: 1}
	cmd := domain.Command{IdempotencyKey: "k1", EntityType: domain.KindIssue, Type: domain.CommandDelete, EntityID: "i1"}

	if err := store.EnqueueCommands(context.Background(), "user-7", []domain.Command{cmd}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(fq.contents) != 1 {
		t.Fatalf("expected one message, got %d", len(fq.contents))
	}
	msg := fq.contents[0]
	if !strings.Contains(msg, `"userId":"user-7"`) || !strings.Contains(msg, `"entityId":"i1"`) {
		t.Fatalf("unexpected message: %s", msg)
	}
}

func TestEnqueueCommandsPropagatesErrors(t *testing.T) {
	fq := newFakeQueue()
	fq.failAt = 2
	store := &Storage{commandQueue: fq, queueConcurrency: 3}
	cmds := make([]domain.Command, 6)
	for i := range cmds {
		cmds[i] = domain.Command{IdempotencyKey: "k"}
	}

	if err := store.EnqueueCommands(context.Background(), "user", cmds); err == nil {
		t.Fatal("expected error")
	}
}

func TestEnqueueCommandsSequentialWhenConfigured(t *testing.T) {
	fq := newFakeQueue()
	store := &Storage{commandQueue: fq, queueConcurrency: 1}
	cmds := make([]domain.Command, 5)
	for i := range cmds {
		cmds[i] = domain.Command{IdempotencyKey: "k"}
	}

	if err := store.EnqueueCommands(context.Background(), "user", cmds); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if fq.max != 1 {
		t.Fatalf("expected sequential sends, observed max in flight: %d", fq.max)
	}
}

func TestDequeueAndDelete(t *testing.T) {
	id, receipt := "m1", "r1"
	fc := &fakeConsumer{messages: []*azqueue.DequeuedMessage{{MessageID: &id, PopReceipt: &receipt}}}
	store := &Storage{consumer: fc}
	ctx := context.Background()

	msg, err := store.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if msg == nil || *msg.MessageID != "m1" {
		t.Fatalf("unexpected message: %#v", msg)
	}
	if err := store.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(fc.deleted) != 1 || fc.deleted[0] != "m1:r1" {
		t.Fatalf("unexpected deletes: %v", fc.deleted)
	}

	msg, err = store.Dequeue(ctx)
	if err != nil || msg != nil {
		t.Fatalf("expected empty queue, got %#v %v", msg, err)
	}
}

func TestDequeueWithoutConsumer(t *testing.T) {
	store := &Storage{}
	if _, err := store.Dequeue(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
