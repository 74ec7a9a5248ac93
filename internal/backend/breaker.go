package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker short-circuits a generator after consecutive failures.
type Breaker struct {
	next   Generator
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

// NewBreaker opens after trip consecutive failures and lets a trial call through after timeout.
// Cancelled requests do not count as failures.
func NewBreaker(next Generator, trip uint32, timeout time.Duration, logger *slog.Logger) *Breaker {
	if trip == 0 {
		trip = 5
	}
	b := &Breaker{next: next, logger: logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "backend", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return b
}

func (b *Breaker) Name() string { return b.next.Name() }

func (b *Breaker) Generate(ctx context.Context, messages []Message) (Completion, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Generate(ctx, messages)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Completion{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, b.Name(), err)
	}
	if err != nil {
		return Completion{}, err
	}
	return res.(Completion), nil
}

// State reports the breaker state: closed, half-open or open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Ping asks the wrapped backend when it supports it. An open breaker fails fast.
func (b *Breaker) Ping(ctx context.Context) error {
	if b.cb.State() == gobreaker.StateOpen {
		return ErrUnavailable
	}
	if p, ok := b.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
