package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// dispatchGate ограничивает fan-out: не больше maxInFlight одновременных отправок
// и не быстрее limit в секунду. Повторов и circuit breaker нет: отказ устройства
// фиксируется в его WorkUnit, повтор только через RetryFailed.
type dispatchGate struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	metrics *Metrics
}

func newDispatchGate(maxInFlight int64, perSecond float64, burst int, metrics *Metrics) *dispatchGate {
	if maxInFlight <= 0 {
		maxInFlight = 32
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = int(maxInFlight)
	}
	return &dispatchGate{
		sem:     semaphore.NewWeighted(maxInFlight),
		limiter: rate.NewLimiter(limit, burst),
		metrics: metrics,
	}
}

// Acquire ждет слот и разрешение лимитера. Возвращает release, который обязан быть вызван.
func (g *dispatchGate) Acquire(ctx context.Context) (func(), error) {
	start := time.Now()

	// 1. Слот
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("dispatch slot: %w", err)
	}

	// 2. Rate Limiter
	if err := g.limiter.Wait(ctx); err != nil {
		g.sem.Release(1)
		return nil, fmt.Errorf("dispatch rate limit: %w", err)
	}

	g.metrics.DispatchWait.Observe(time.Since(start).Seconds())
	g.metrics.DispatchInFlight.Inc()
	return func() {
		g.metrics.DispatchInFlight.Dec()
		g.sem.Release(1)
	}, nil
}
