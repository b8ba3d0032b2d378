// Package cleanup runs the persistent tier's byte-size-triggered pruning:
// a write notifies the manager, which -- off the request path -- checks
// whether the store has grown past its configured cap and, if so, prunes
// the oldest entries down to a slack-ratio target (§10 supplemented
// feature: byte-size cleanup retained alongside TTL expiry).
//
// Grounded on the teacher's internal/cleanup (same trigger-channel +
// background-goroutine shape), re-targeted from *database.DB to
// *kvstore.Store and switched from the teacher's log.Printf to zap to match
// the rest of the core's logging.
package cleanup

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/clems4ever/evmcacheproxy/internal/kvstore"
)

// Manager watches a kvstore.Store's size and prunes it back down when it
// exceeds maxSize, leaving slackRatio headroom so cleanup doesn't retrigger
// on every subsequent write.
type Manager struct {
	logger     *zap.Logger
	kv         *kvstore.Store
	maxSize    int64
	slackRatio float64
	trigger    chan struct{}
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewManager builds a Manager. slackRatio<=0 defaults to 20%.
func NewManager(logger *zap.Logger, kv *kvstore.Store, maxSize int64, slackRatio float64) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if slackRatio <= 0 {
		slackRatio = 0.2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:     logger,
		kv:         kv,
		maxSize:    maxSize,
		slackRatio: slackRatio,
		trigger:    make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the background worker.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop signals the worker to exit and waits for it.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// NotifyWrite signals that a write occurred, coalescing rapid successive
// notifications into a single pending cleanup pass.
func (m *Manager) NotifyWrite() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.trigger:
			m.cleanupOnce()
		}
	}
}

func (m *Manager) cleanupOnce() {
	currentSize, err := m.kv.SizeBytes(m.ctx)
	if err != nil {
		m.logger.Warn("cleanup: failed to get cache size", zap.Error(err))
		return
	}

	if currentSize <= m.maxSize {
		return
	}

	targetSize := int64(float64(m.maxSize) * (1.0 - m.slackRatio))
	freed, err := m.kv.PruneOldestUntil(m.ctx, targetSize)
	if err != nil {
		m.logger.Warn("cleanup: failed to prune cache", zap.Error(err))
		return
	}
	m.logger.Info("cleanup: pruned persistent cache", zap.Int64("bytes_freed", freed), zap.Int64("target_bytes", targetSize))
}
