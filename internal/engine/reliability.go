package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/agentgate/internal/domain"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("memory store: rate limit exceeded")

// MemoryStore — хранилище памяти агента (Redis в проде, map в тестах).
type MemoryStore interface {
	Get(ctx context.Context, userID, key string) (*domain.MemoryEntry, error)
	Put(ctx context.Context, userID, key, value string) (*domain.MemoryEntry, error)
	Delete(ctx context.Context, userID, key string) error
	List(ctx context.Context, userID string) ([]domain.MemoryEntry, error)
}

type ReliabilityOptions struct {
	MaxRequests uint32        // пробные запросы в half-open
	Interval    time.Duration // окно сброса счетчиков в closed
	Timeout     time.Duration // через сколько CB попробует "закрыться"
	RateLimit   float64       // запросов в секунду
	RateBurst   int
	Attempts    uint
	CallTimeout time.Duration
}

func (o *ReliabilityOptions) defaults() {
	if o.MaxRequests == 0 {
		o.MaxRequests = 3
	}
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 100
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 20
	}
	if o.Attempts == 0 {
		o.Attempts = 3
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 2 * time.Second
	}
}

// ReliableMemory оборачивает MemoryStore: rate limiter -> circuit breaker -> retry с бэкоффом.
// domain.ErrNotFound не считается сбоем и не повторяется.
type ReliableMemory struct {
	next     MemoryStore
	cb       *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	attempts uint
	timeout  time.Duration
}

func NewReliableMemory(next MemoryStore, opts ReliabilityOptions, m *Metrics) *ReliableMemory {
	opts.defaults()
	if m == nil {
		m = NewMetrics(nil)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "memory-store",
		MaxRequests: opts.MaxRequests,
		Interval:    opts.Interval,
		Timeout:     opts.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, _ gobreaker.State, to gobreaker.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	return &ReliableMemory{
		next:     next,
		cb:       cb,
		limiter:  rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		attempts: opts.Attempts,
		timeout:  opts.CallTimeout,
	}
}

// call — общий конвейер для всех операций. fn возвращает ErrNotFound как обычный результат.
func (w *ReliableMemory) call(ctx context.Context, fn func(ctx context.Context) error) error {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	notFound := false

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return retry.BackOffDelay(n, err, config)
			}),
		)

		return nil, r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.timeout)
			defer cancel()

			callErr := fn(tCtx)
			if errors.Is(callErr, domain.ErrNotFound) {
				notFound = true
				return nil
			}
			return callErr
		})
	})

	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	if notFound {
		return domain.ErrNotFound
	}
	return nil
}

func (w *ReliableMemory) Get(ctx context.Context, userID, key string) (*domain.MemoryEntry, error) {
	var out *domain.MemoryEntry
	err := w.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = w.next.Get(ctx, userID, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (w *ReliableMemory) Put(ctx context.Context, userID, key, value string) (*domain.MemoryEntry, error) {
	var out *domain.MemoryEntry
	err := w.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = w.next.Put(ctx, userID, key, value)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (w *ReliableMemory) Delete(ctx context.Context, userID, key string) error {
	return w.call(ctx, func(ctx context.Context) error {
		return w.next.Delete(ctx, userID, key)
	})
}

func (w *ReliableMemory) List(ctx context.Context, userID string) ([]domain.MemoryEntry, error) {
	var out []domain.MemoryEntry
	err := w.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = w.next.List(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// State отдает текущее состояние предохранителя (для /ready).
func (w *ReliableMemory) State() gobreaker.State { return w.cb.State() }
