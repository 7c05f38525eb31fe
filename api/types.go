package api

import (
	"context"

	"minutes-api/domain"
	"minutes-api/extraction"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	List(ctx context.Context, kind domain.Kind) ([]domain.Record, error)
	Get(ctx context.Context, kind domain.Kind, id string) (domain.Record, error)
	EnqueueCommands(ctx context.Context, userID string, cmds []domain.Command) error
}

// Pinger is implemented by stores that can report their own health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate commands.
type Deduper interface {
	// AddMany records the keys and reports which of them were newly added.
	AddMany(ctx context.Context, userID string, keys []string) ([]bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, userID, key string) error
}

// Extractor turns meeting minutes into candidate decisions and tasks.
type Extractor interface {
	Extract(ctx context.Context, req extraction.Request, credential string) (*extraction.Result, error)
}

// CircuitReporter exposes the state of the text-generation circuit breaker.
type CircuitReporter interface {
	State() string
}
