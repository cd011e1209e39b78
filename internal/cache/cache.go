package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lawdesk/matterwatch/internal/metrics"
)

// ErrMiss is returned by a backend when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Backend is a disposable key-value store. Every value is rebuildable
// from the canonical store, so no backend error is ever fatal to a caller.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Ping(ctx context.Context) error
	Close() error
}

// Aside implements the read-through pattern over a Backend. Backend
// failures are counted, logged at debug, and treated as misses.
type Aside struct {
	backend Backend
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewAside(backend Backend, logger *zap.Logger, m *metrics.Metrics) *Aside {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Aside{backend: backend, logger: logger, metrics: m}
}

// GetOrCompute returns the cached value for key when present, otherwise
// calls compute, stores the result with ttl, and returns it. The call
// succeeds whenever compute succeeds, regardless of backend health.
func GetOrCompute[T any](ctx context.Context, a *Aside, scope, key string, ttl time.Duration, compute func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if a == nil || a.backend == nil {
		return compute(ctx)
	}

	raw, err := a.backend.Get(ctx, key)
	switch {
	case err == nil:
		var cached T
		if unmarshalErr := json.Unmarshal(raw, &cached); unmarshalErr == nil {
			a.metrics.CacheHits.WithLabelValues(scope).Inc()
			return cached, nil
		}
		// corrupt entry, fall through to compute
		a.metrics.CacheErrors.WithLabelValues("decode").Inc()
	case errors.Is(err, ErrMiss):
		a.metrics.CacheMisses.WithLabelValues(scope).Inc()
	default:
		a.metrics.CacheErrors.WithLabelValues("get").Inc()
		a.logger.Debug("cache get failed, falling through", zap.String("key", key), zap.Error(err))
	}

	value, err := compute(ctx)
	if err != nil {
		return zero, err
	}

	if raw, marshalErr := json.Marshal(value); marshalErr == nil {
		if setErr := a.backend.Set(ctx, key, raw, ttl); setErr != nil {
			a.metrics.CacheErrors.WithLabelValues("set").Inc()
			a.logger.Debug("cache set failed", zap.String("key", key), zap.Error(setErr))
		}
	}
	return value, nil
}

// Invalidate removes every key under the given prefix. Failures are
// logged, never raised; a stale entry expires by TTL anyway.
func (a *Aside) Invalidate(ctx context.Context, prefix string) {
	if a == nil || a.backend == nil {
		return
	}
	if err := a.backend.DeletePrefix(ctx, prefix); err != nil {
		a.metrics.CacheErrors.WithLabelValues("invalidate").Inc()
		a.logger.Warn("cache invalidation failed", zap.String("prefix", prefix), zap.Error(err))
	}
}

// Delete removes a single key, best effort.
func (a *Aside) Delete(ctx context.Context, key string) {
	if a == nil || a.backend == nil {
		return
	}
	if err := a.backend.Delete(ctx, key); err != nil {
		a.metrics.CacheErrors.WithLabelValues("delete").Inc()
		a.logger.Debug("cache delete failed", zap.String("key", key), zap.Error(err))
	}
}
