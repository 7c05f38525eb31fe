package storage

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	azruntime "github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"minutes-api/domain"
)

const (
	defaultQueueConcurrency = 8
	queuePerCPU             = 10
	maxQueueConcurrency     = 64
)

var (
	// ErrConcurrencyConflict indicates the entity changed since it was read.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrAlreadyExists is returned when inserting an id that is taken.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrNotFound is returned when updating a record that does not exist.
	ErrNotFound = errors.New("record not found")
)

type table interface {
	NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *azruntime.Pager[aztables.ListEntitiesResponse]
	GetEntity(ctx context.Context, partitionKey string, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey string, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
}

type queue interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	GetProperties(ctx context.Context, o *azqueue.GetQueuePropertiesOptions) (azqueue.GetQueuePropertiesResponse, error)
}

type dequeuer interface {
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// Storage provides access to the records table and the command queue.
type Storage struct {
	records          table
	commandQueue     queue
	consumer         dequeuer
	queueConcurrency int
}

// New creates a Storage instance from the given connection string.
func New(connStr, recordsTable, commandQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	cq, err := azqueue.NewQueueClientFromConnectionString(connStr, commandQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		records:          svc.NewClient(recordsTable),
		commandQueue:     cq,
		consumer:         cq,
		queueConcurrency: queueConcurrencyForCPU(runtime.NumCPU()),
	}, nil
}

func queueConcurrencyForCPU(cpu int) int {
	if cpu < 1 {
		return defaultQueueConcurrency
	}
	n := cpu * queuePerCPU
	if n > maxQueueConcurrency {
		return maxQueueConcurrency
	}
	return n
}

// List returns every record of kind ordered by creation time.
func (s *Storage) List(ctx context.Context, kind domain.Kind) ([]domain.Record, error) {
	return s.query(ctx, "PartitionKey eq "+quote(string(kind)))
}

// ListByParent returns the records of kind owned by parentID.
func (s *Storage) ListByParent(ctx context.Context, kind domain.Kind, parentID string) ([]domain.Record, error) {
	return s.query(ctx, "PartitionKey eq "+quote(string(kind))+" and ParentID eq "+quote(parentID))
}

func (s *Storage) query(ctx context.Context, filter string) ([]domain.Record, error) {
	pager := s.records.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	type row struct {
		rec       domain.Record
		createdAt int64
	}
	rows := []row{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			ent, err := decodeEntity(e)
			if err != nil {
				return nil, err
			}
			rec, err := ent.record()
			if err != nil {
				return nil, err
			}
			rows = append(rows, row{rec: rec, createdAt: ent.CreatedAt})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].createdAt < rows[j].createdAt })
	out := make([]domain.Record, len(rows))
	for i, r := range rows {
		out[i] = r.rec
	}
	return out, nil
}

// Get returns the record or nil when it does not exist.
func (s *Storage) Get(ctx context.Context, kind domain.Kind, id string) (domain.Record, error) {
	entry, err := s.GetEntry(ctx, kind, id)
	if err != nil || entry == nil {
		return nil, err
	}
	return entry.Record, nil
}

// GetEntry returns the record with its version information, or nil when it
// does not exist.
func (s *Storage) GetEntry(ctx context.Context, kind domain.Kind, id string) (*Entry, error) {
	resp, err := s.records.GetEntity(ctx, string(kind), id, nil)
	if err != nil {
		if isStatus(err, 404) {
			return nil, nil
		}
		return nil, err
	}
	ent, err := decodeEntity(resp.Value)
	if err != nil {
		return nil, err
	}
	rec, err := ent.record()
	if err != nil {
		return nil, err
	}
	return &Entry{Record: rec, CreatedAt: ent.CreatedAt, UpdatedAt: ent.UpdatedAt, ETag: string(resp.ETag)}, nil
}

// Insert adds a new record. ErrAlreadyExists is returned for a taken id.
func (s *Storage) Insert(ctx context.Context, rec domain.Record, createdAt, updatedAt int64) error {
	payload, err := encodeEntity(rec, createdAt, updatedAt)
	if err != nil {
		return err
	}
	if _, err := s.records.AddEntity(ctx, payload, nil); err != nil {
		if isStatus(err, 409) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

// Update replaces the stored row of rec when etag still matches. The whole
// row is written so that columns derived from cleared fields go away.
func (s *Storage) Update(ctx context.Context, rec domain.Record, createdAt, updatedAt int64, etag string) error {
	payload, err := encodeEntity(rec, createdAt, updatedAt)
	if err != nil {
		return err
	}
	et := azcore.ETag(etag)
	if etag == "" {
		et = azcore.ETagAny
	}
	_, err = s.records.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace})
	switch {
	case err == nil:
		return nil
	case isStatus(err, 412):
		return ErrConcurrencyConflict
	case isStatus(err, 404):
		return ErrNotFound
	default:
		return err
	}
}

// Upsert creates or replaces rec.
func (s *Storage) Upsert(ctx context.Context, rec domain.Record, createdAt, updatedAt int64) error {
	payload, err := encodeEntity(rec, createdAt, updatedAt)
	if err != nil {
		return err
	}
	_, err = s.records.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// Delete removes a record. Missing records are not an error.
func (s *Storage) Delete(ctx context.Context, kind domain.Kind, id string) error {
	if _, err := s.records.DeleteEntity(ctx, string(kind), id, nil); err != nil && !isStatus(err, 404) {
		return err
	}
	return nil
}

// EnqueueCommands sends the given commands to the command queue.
func (s *Storage) EnqueueCommands(ctx context.Context, userID string, cmds []domain.Command) error {
	if len(cmds) == 0 {
		return nil
	}
	payloads := make([]string, len(cmds))
	for i, cmd := range cmds {
		data, err := sonic.MarshalString(domain.CommandEnvelope{UserID: userID, Command: cmd})
		if err != nil {
			return err
		}
		payloads[i] = data
	}

	workers := s.queueConcurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(payloads) {
		workers = len(payloads)
	}
	if workers == 1 {
		for _, p := range payloads {
			if _, err := s.commandQueue.EnqueueMessage(ctx, p, nil); err != nil {
				return err
			}
		}
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	next := make(chan string)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range next {
				if _, err := s.commandQueue.EnqueueMessage(ctx, p, nil); err != nil {
					once.Do(func() {
						firstErr = err
						cancel()
					})
				}
			}
		}()
	}
feed:
	for _, p := range payloads {
		select {
		case next <- p:
		case <-ctx.Done():
			break feed
		}
	}
	close(next)
	wg.Wait()
	if firstErr == nil && ctx.Err() != nil {
		// Cancelled by the caller rather than by a failed send.
		firstErr = ctx.Err()
	}
	return firstErr
}

// Ping checks that the command queue and the records table are reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if _, err := s.commandQueue.GetProperties(ctx, nil); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	top := int32(1)
	pager := s.records.NewListEntitiesPager(&aztables.ListEntitiesOptions{Top: &top, Select: &pingSelect})
	if pager.More() {
		if _, err := pager.NextPage(ctx); err != nil {
			return fmt.Errorf("table: %w", err)
		}
	}
	return nil
}

var pingSelect = "RowKey"

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}
