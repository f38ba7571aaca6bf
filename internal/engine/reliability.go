package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/usbmode/internal/device"
	"github.com/xela07ax/usbmode/internal/infra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const breakerName = "gadget-mutation"

// ReliabilityWrapper оборачивает device.Mutator: rate limit -> circuit breaker -> retry.
// Ретраим только BusyError (UDC занят), остальное возвращаем сразу.
type ReliabilityWrapper struct {
	next     device.Mutator
	cb       *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	attempts uint
	timeout  time.Duration
}

func NewReliabilityWrapper(next device.Mutator, cfg infra.EngineConfig, metrics *Metrics, logger *zap.Logger) *ReliabilityWrapper {
	logger = logger.Named("reliability")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Гаджет стабильно не принимает конфигурацию, перестаём его дёргать
			return counts.ConsecutiveFailures >= 3
		},
		// Ошибки конфигурации и отмена запроса не говорят о поломке контроллера
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, device.ErrFunctionUnavailable) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if metrics != nil {
				v := 0.0
				if to == gobreaker.StateOpen {
					v = 1
				}
				metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
			}
		},
	})

	limit := rate.Inf
	if cfg.MutationRate > 0 {
		limit = rate.Limit(cfg.MutationRate)
	}
	burst := cfg.MutationBurst
	if burst <= 0 {
		burst = 1
	}
	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = 1
	}
	timeout := cfg.MutationTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &ReliabilityWrapper{
		next:     next,
		cb:       cb,
		limiter:  rate.NewLimiter(limit, burst),
		attempts: attempts,
		timeout:  timeout,
	}
}

func (w *ReliabilityWrapper) SetCurrentFunctions(ctx context.Context, mask uint64) error {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		var permanent error

		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// UDC подсказал паузу
				var busy *device.BusyError
				if errors.As(err, &busy) {
					return busy.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.timeout)
			defer cancel()

			callErr := w.next.SetCurrentFunctions(tCtx, mask)
			var busy *device.BusyError
			if callErr != nil && !errors.As(callErr, &busy) {
				// Неретраибельная ошибка: останавливаем цикл и отдаём её как есть
				permanent = callErr
				return nil
			}
			return callErr
		})

		if permanent != nil {
			return nil, permanent
		}
		return nil, retryErr
	})

	return err
}
