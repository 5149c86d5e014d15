package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Circuit breaker defaults: a handful of consecutive failures opens the
// circuit, which stays open long enough for a wedged backend to recover.
const (
	breakerMaxFailures uint32        = 5
	breakerTimeout     time.Duration = 30 * time.Second
	breakerInterval    time.Duration = 60 * time.Second
)

// BreakerConnector wraps a Connector with a circuit breaker. When the
// backend fails repeatedly, the circuit opens and calls fail fast without
// reaching the network, preventing timeout pile-ups against a dead engine.
type BreakerConnector struct {
	inner   Connector
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

// WithBreaker wraps conn with a circuit breaker named for the endpoint.
func WithBreaker(name string, conn Connector, logger *slog.Logger) *BreakerConnector {
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "engine:" + name,
		MaxRequests: 1, // one probe call in half-open state
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &BreakerConnector{inner: conn, breaker: cb, logger: logger}
}

func (b *BreakerConnector) Kind() Kind { return b.inner.Kind() }

func (b *BreakerConnector) Probe(ctx context.Context) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.inner.Probe(ctx)
	})
	return b.wrap(err)
}

func (b *BreakerConnector) ListModels(ctx context.Context) ([]string, error) {
	v, err := b.breaker.Execute(func() (any, error) {
		return b.inner.ListModels(ctx)
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return v.([]string), nil
}

func (b *BreakerConnector) LoadModel(ctx context.Context, name string) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.inner.LoadModel(ctx, name)
	})
	return b.wrap(err)
}

// Generate routes stream initiation through the breaker. Errors after the
// stream is established arrive through the fragment channel and do not trip
// the breaker.
func (b *BreakerConnector) Generate(ctx context.Context, req GenerateRequest) (<-chan Fragment, error) {
	v, err := b.breaker.Execute(func() (any, error) {
		return b.inner.Generate(ctx, req)
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return v.(<-chan Fragment), nil
}

func (b *BreakerConnector) wrap(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%w: circuit open: %v", ErrUnreachable, err)
	}
	return err
}
