package llm

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

// Breaker stops calling a provider after repeated transport failures. Calls
// are never retried here.
type Breaker struct {
	next Provider
	cb   *gobreaker.CircuitBreaker[*Response]
}

// NewBreaker trips after failures consecutive call failures and tries again
// after cooldown. Unusable answers do not count as failures.
func NewBreaker(next Provider, failures uint32, cooldown time.Duration) *Breaker {
	settings := gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsResponseError(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(log.Fields{
				"provider": name,
				"from":     from.String(),
				"to":       to.String(),
			}).Warn("llm circuit breaker state changed")
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker[*Response](settings)}
}

func (b *Breaker) Name() string { return b.next.Name() }

func (b *Breaker) Generate(ctx context.Context, req Request) (*Response, error) {
	resp, err := b.cb.Execute(func() (*Response, error) {
		return b.next.Generate(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return resp, err
}

// State exposes the breaker state for health reporting.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
