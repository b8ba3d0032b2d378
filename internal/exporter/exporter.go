// Package exporter polls the persistent tier on an interval and updates the
// Prometheus gauges that reflect its current size/item count -- the two
// numbers the cache manager itself has no reason to track continuously.
//
// Grounded on the teacher's internal/exporter (same ticker-driven collect
// loop), re-targeted from *database.DB to *kvstore.Store and zap in place
// of log.Printf.
package exporter

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/clems4ever/evmcacheproxy/internal/kvstore"
	"github.com/clems4ever/evmcacheproxy/internal/metrics"
)

// Exporter periodically samples a kvstore.Store's size/count into metrics.
type Exporter struct {
	logger   *zap.Logger
	kv       *kvstore.Store
	interval time.Duration
}

// New builds an Exporter. kv may be nil (persistence disabled), in which
// case Start is a no-op.
func New(logger *zap.Logger, kv *kvstore.Store, interval time.Duration) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{logger: logger, kv: kv, interval: interval}
}

// Start blocks, collecting on every tick until ctx is done.
func (e *Exporter) Start(ctx context.Context) {
	if e.kv == nil {
		return
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.collect(ctx)
		}
	}
}

func (e *Exporter) collect(ctx context.Context) {
	size, err := e.kv.SizeBytes(ctx)
	if err != nil {
		e.logger.Warn("exporter: failed to get cache size", zap.Error(err))
	} else {
		metrics.CacheSizeBytes.Set(float64(size))
	}

	count, err := e.kv.Count(ctx)
	if err != nil {
		e.logger.Warn("exporter: failed to get cache item count", zap.Error(err))
	} else {
		metrics.CacheItemsCount.Set(float64(count))
	}
}
