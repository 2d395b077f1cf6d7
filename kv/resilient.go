package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"goflare.io/hearth/internal/retrier"
)

// ResilienceOptions configures the retry and circuit-breaker behavior of a
// Resilient store. Zero values fall back to defaults.
type ResilienceOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      float64
	Breaker     gobreaker.Settings
}

func (o *ResilienceOptions) withDefaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = 100 * time.Millisecond
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = time.Second
	}
	if o.Factor == 0 {
		o.Factor = 2.0
	}
	if o.Breaker.Name == "" {
		o.Breaker = gobreaker.Settings{
			Name:        "kv",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}
	}
}

// Resilient decorates a Store with retry and circuit-breaker behavior so a
// flaky platform store degrades into cache misses instead of error storms.
type Resilient struct {
	inner   Store
	retrier *retrier.Retrier
	breaker *gobreaker.CircuitBreaker
}

// NewResilient wraps inner with retries and a circuit breaker.
func NewResilient(inner Store, opts ResilienceOptions) (*Resilient, error) {
	opts.withDefaults()

	r, err := retrier.New(
		opts.MaxAttempts,
		opts.BaseDelay,
		opts.MaxDelay,
		opts.Factor,
		opts.Jitter,
		func(err error) bool { return !errors.Is(err, ErrNotFound) },
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrier: %w", err)
	}

	return &Resilient{
		inner:   inner,
		retrier: r,
		breaker: gobreaker.NewCircuitBreaker(opts.Breaker),
	}, nil
}

// Get retrieves the record for key with retries. ErrNotFound is a normal
// outcome and is neither retried nor counted against the breaker.
func (s *Resilient) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.execute(ctx, func() error {
		var err error
		data, err = s.inner.Get(ctx, key)
		return err
	})
	return data, err
}

// Set stores the record for key with retries.
func (s *Resilient) Set(ctx context.Context, key string, value []byte) error {
	return s.execute(ctx, func() error {
		return s.inner.Set(ctx, key, value)
	})
}

// Remove deletes the record for key with retries.
func (s *Resilient) Remove(ctx context.Context, key string) error {
	return s.execute(ctx, func() error {
		return s.inner.Remove(ctx, key)
	})
}

func (s *Resilient) execute(ctx context.Context, fn func() error) error {
	var notFound bool
	_, err := s.breaker.Execute(func() (any, error) {
		err := s.retrier.Run(ctx, fn)
		if errors.Is(err, ErrNotFound) {
			// A miss must not trip the breaker.
			notFound = true
			return nil, nil
		}
		return nil, err
	})
	if err != nil {
		return err
	}
	if notFound {
		return ErrNotFound
	}
	return nil
}
