// Package cache layers typed, namespaced memoization over a flow.Cache backend.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/flowlens/internal/flow"
	"github.com/JakeFAU/flowlens/internal/hash/sha256"
	"github.com/JakeFAU/flowlens/internal/metrics"
)

// DefaultTTL is used when a Layer is built with a non-positive TTL.
const DefaultTTL = 7 * 24 * time.Hour

// Layer wraps a backend with a TTL and lookup accounting.
// A nil *Layer is valid and caches nothing.
type Layer struct {
	backend flow.Cache
	ttl     time.Duration
	logger  *zap.Logger
}

// New builds a Layer over backend.
func New(backend flow.Cache, ttl time.Duration, logger *zap.Logger) *Layer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Layer{backend: backend, ttl: ttl, logger: logger}
}

// TTL reports the expiry applied to new entries.
func (l *Layer) TTL() time.Duration {
	if l == nil {
		return 0
	}
	return l.ttl
}

// Purger is implemented by backends that can drop expired entries in bulk.
// Backends that expire keys themselves, like Redis, need not implement it.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// StartPurging purges backend every interval until the returned stop func is
// called. Backends without Purger, or a non-positive interval, get a no-op stop.
func StartPurging(backend flow.Cache, interval time.Duration, logger *zap.Logger) (stop func()) {
	purger, ok := backend.(Purger)
	if !ok || interval <= 0 {
		return func() {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				dropped, err := purger.Purge(ctx)
				if err != nil {
					if ctx.Err() == nil {
						logger.Warn("cache purge failed", zap.Error(err))
					}
					continue
				}
				if dropped > 0 {
					logger.Debug("cache purged", zap.Int64("dropped", dropped))
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Key builds a namespaced digest key from parts.
func Key(namespace string, parts ...string) string {
	return namespace + ":" + sha256.Key(parts...)
}

// Lookup decodes a live entry. Backend and decode errors are logged and reported as misses.
func Lookup[T any](ctx context.Context, l *Layer, namespace, key string) (T, bool) {
	var zero T
	if l == nil || l.backend == nil {
		return zero, false
	}
	raw, ok, err := l.backend.Get(ctx, key)
	if err != nil {
		metrics.ObserveCacheLookup(namespace, "error")
		l.logger.Warn("cache get failed", zap.String("namespace", namespace), zap.Error(err))
		return zero, false
	}
	if !ok {
		metrics.ObserveCacheLookup(namespace, "miss")
		return zero, false
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		metrics.ObserveCacheLookup(namespace, "error")
		l.logger.Warn("cache entry undecodable", zap.String("namespace", namespace), zap.Error(err))
		return zero, false
	}
	metrics.ObserveCacheLookup(namespace, "hit")
	return value, true
}

// Put encodes and stores value. Failures are logged, never returned.
func Put[T any](ctx context.Context, l *Layer, namespace, key string, value T) {
	if l == nil || l.backend == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		l.logger.Warn("cache entry unencodable", zap.String("namespace", namespace), zap.Error(err))
		return
	}
	if err := l.backend.Set(ctx, key, raw, l.ttl); err != nil {
		l.logger.Warn("cache set failed", zap.String("namespace", namespace), zap.Error(err))
	}
}

// Remember returns the cached value for key, or computes and stores it.
// Errors from compute are returned and never cached.
func Remember[T any](
	ctx context.Context,
	l *Layer,
	namespace, key string,
	compute func(context.Context) (T, error),
) (T, error) {
	if value, ok := Lookup[T](ctx, l, namespace, key); ok {
		return value, nil
	}
	value, err := compute(ctx)
	if err != nil {
		return value, err
	}
	Put(ctx, l, namespace, key, value)
	return value, nil
}
