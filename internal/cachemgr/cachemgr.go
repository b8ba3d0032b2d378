// Package cachemgr is the two-tier cache manager (§4.5): read-through with
// promotion, write-through, TTL evaluation at read time, a periodic
// sweeper, and the duplicate-window throttle that gives a concurrent
// sibling request a head start before a burst of identical calls all miss
// to upstream together.
//
// No direct teacher precedent (the teacher had one flat Postgres-backed
// cache, no memory tier, no duplicate throttle); grounded on the spec's own
// contract, composed from internal/lrucache and internal/kvstore, using
// go.uber.org/multierr (teacher dependency) to combine the two tiers'
// errors when clearing the cache and math/rand/v2 for the throttle's
// jittered sleep.
package cachemgr

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/clems4ever/evmcacheproxy/internal/clock"
	"github.com/clems4ever/evmcacheproxy/internal/kvstore"
	"github.com/clems4ever/evmcacheproxy/internal/lrucache"
	"github.com/clems4ever/evmcacheproxy/internal/metrics"
	"github.com/clems4ever/evmcacheproxy/internal/rpctypes"
)

const (
	// DuplicateTriggerMillis is the window within which a repeated
	// fingerprint is considered a rapid-fire duplicate (§4.5).
	DuplicateTriggerMillis = 100
	// MinDelayMillis/RandomExtraMillis bound the throttle sleep.
	MinDelayMillis    = 50
	RandomExtraMillis = 100

	sweepInterval = time.Hour
)

// cleanupNotifier is the subset of cleanup.Manager's contract the cache
// manager needs; kept as a local interface so this package doesn't depend
// on internal/cleanup's concrete type.
type cleanupNotifier interface {
	NotifyWrite()
}

// Manager is the two-tier cache manager. Safe for concurrent use.
type Manager struct {
	logger *zap.Logger
	clock  clock.Clock
	memory *lrucache.Cache
	kv     *kvstore.Store // nil disables the persistent tier

	dupMu  sync.Mutex
	dupSeen map[string]int64 // fingerprint -> lastSeenAt millis

	globalMaxAge time.Duration // 0 = sweeper disabled (§9 open question)

	cleanupNotifier cleanupNotifier // nil disables size-based cleanup notification

	stopSweep chan struct{}
	wg        sync.WaitGroup
}

// New builds a Manager. kv may be nil to run memory-only (a persistent-tier
// failure or absence must never fail a request, per §4.3).
func New(logger *zap.Logger, clk clock.Clock, memory *lrucache.Cache, kv *kvstore.Store, globalMaxAge time.Duration) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:       logger,
		clock:        clk,
		memory:       memory,
		kv:           kv,
		dupSeen:      make(map[string]int64),
		globalMaxAge: globalMaxAge,
		stopSweep:    make(chan struct{}),
	}
}

// SetCleanupNotifier wires the size-based cleanup trigger (§10 supplemented
// feature): every successful persistent-tier write after this call notifies
// n, mirroring the teacher's handler-calls-cleanupManager.NotifyWrite shape.
func (m *Manager) SetCleanupNotifier(n cleanupNotifier) {
	m.cleanupNotifier = n
}

// StartSweeper launches the hourly background sweep (§4.5). A no-op when
// globalMaxAge <= 0 (infinite retention, §9 open question resolution).
func (m *Manager) StartSweeper() {
	if m.globalMaxAge <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopSweep:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// Close stops the sweeper goroutine. It does not close the KV store (the
// caller owns that handle's lifecycle).
func (m *Manager) Close() {
	close(m.stopSweep)
	m.wg.Wait()
}

func (m *Manager) sweep() {
	now := clock.NowMillis(m.clock)
	maxAgeMs := m.globalMaxAge.Milliseconds()

	memRemoved := m.memory.DeleteOlderThan(now, maxAgeMs)
	if memRemoved > 0 {
		m.logger.Info("sweep removed memory entries", zap.Int("count", memRemoved))
	}

	if m.kv != nil {
		cutoff := now - maxAgeMs
		n, err := m.kv.DeleteOlderThan(context.Background(), cutoff)
		if err != nil {
			m.logger.Warn("sweep: persistent tier deleteOlderThan failed", zap.Error(err))
		} else if n > 0 {
			m.logger.Info("sweep removed persistent entries", zap.Int64("count", n))
		}
	}
}

// Lookup checks the memory tier, then the persistent tier (promoting on
// hit), returning the stored envelope with id rewritten to requestID.
// Expired entries discovered on either tier are deleted before returning a
// miss (invariant 4). A nil return with no error means a clean miss.
func (m *Manager) Lookup(ctx context.Context, key string, maxAge time.Duration, requestID []byte) (*rpctypes.Response, error) {
	now := clock.NowMillis(m.clock)
	maxAgeMs := maxAgeMillis(maxAge)

	if entry, ok := m.memory.Get(key); ok {
		if isExpired(entry, now, maxAgeMs) {
			m.memory.Delete(key)
			m.deleteFromKV(ctx, key)
		} else {
			entry.ReadCount++
			m.memory.Put(key, entry)
			return rpctypes.ToResponse(entry.Payload, requestID)
		}
	}

	if m.kv == nil {
		return nil, nil
	}

	payload, insertedAt, ok, err := m.kv.Get(ctx, key)
	if err != nil {
		m.logger.Warn("persistent cache read failed; continuing memory/upstream-only", zap.Error(err))
		return nil, nil
	}
	if !ok {
		return nil, nil
	}

	entry := rpctypes.CacheEntry{Payload: payload, InsertedAt: insertedAt}
	if isExpired(entry, now, maxAgeMs) {
		m.deleteFromKV(ctx, key)
		return nil, nil
	}

	// Promotion: copy the persistent-tier hit into memory.
	entry.ReadCount++
	m.memory.Put(key, entry)

	return rpctypes.ToResponse(entry.Payload, requestID)
}

// Store writes envelope to the persistent tier (best-effort) then memory,
// under the fingerprint key, stamped with the current time.
func (m *Manager) Store(ctx context.Context, key string, envelope *rpctypes.Response) error {
	payload, err := envelopePayload(envelope)
	if err != nil {
		return err
	}

	now := clock.NowMillis(m.clock)

	existing, hadExisting := m.memory.Get(key)
	writeCount := int64(1)
	if hadExisting {
		writeCount = existing.WriteCount + 1
	}

	entry := rpctypes.CacheEntry{
		Payload:      payload,
		InsertedAt:   now,
		WriteCount:   writeCount,
		OriginalSize: len(payload),
	}

	if m.kv != nil {
		if err := m.kv.Put(ctx, key, payload, now); err != nil {
			// Persistent-tier failure never fails the request; memory
			// write-through still happens (§4.3, §7 PersistentCacheIoError).
			m.logger.Warn("persistent cache write failed; continuing memory-only", zap.Error(err))
		} else if m.cleanupNotifier != nil {
			m.cleanupNotifier.NotifyWrite()
		}
	}

	m.memory.Put(key, entry)
	return nil
}

// Invalidate removes key from both tiers.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	m.memory.Delete(key)
	if m.kv == nil {
		return nil
	}
	return m.kv.Delete(ctx, key)
}

func (m *Manager) deleteFromKV(ctx context.Context, key string) {
	if m.kv == nil {
		return
	}
	if err := m.kv.Delete(ctx, key); err != nil {
		m.logger.Warn("persistent cache delete failed", zap.Error(err))
	}
}

// HandleDuplicateWindow applies the duplicate-call throttle: it records the
// current timestamp for key and, if key had been seen within
// DuplicateTriggerMillis, sleeps a random duration in
// [MinDelayMillis, MinDelayMillis+RandomExtraMillis) before returning.
// Must be invoked on the leader's path,
// before the upstream-miss attempt, never before the cache lookup itself.
// network/method are used only to label the throttled-request metric.
func (m *Manager) HandleDuplicateWindow(ctx context.Context, key, network, method string) {
	now := clock.NowMillis(m.clock)

	m.dupMu.Lock()
	lastSeen, seen := m.dupSeen[key]
	m.dupSeen[key] = now
	m.pruneDuplicateWindowLocked(now)
	m.dupMu.Unlock()

	if seen && now-lastSeen < DuplicateTriggerMillis {
		metrics.DuplicateThrottled.WithLabelValues(network, method).Inc()
		delay := time.Duration(MinDelayMillis+rand.IntN(RandomExtraMillis)) * time.Millisecond
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}
}

// pruneDuplicateWindowLocked opportunistically drops entries far older
// than the throttle horizon so the map doesn't grow unbounded across the
// process lifetime. Caller must hold dupMu.
func (m *Manager) pruneDuplicateWindowLocked(now int64) {
	const staleAfterMillis = 10 * DuplicateTriggerMillis
	if len(m.dupSeen) < 1024 {
		return // not worth a full scan yet
	}
	for k, ts := range m.dupSeen {
		if now-ts > staleAfterMillis {
			delete(m.dupSeen, k)
		}
	}
}

func maxAgeMillis(maxAge time.Duration) int64 {
	if maxAge < 0 {
		return 0 // Infinite: never expires, 0 sentinel means "don't check"
	}
	return maxAge.Milliseconds()
}

func isExpired(entry rpctypes.CacheEntry, now, maxAgeMs int64) bool {
	if maxAgeMs <= 0 {
		return false // infinite retention for this entry
	}
	return entry.AgeMillis(now) > maxAgeMs
}

func envelopePayload(envelope *rpctypes.Response) ([]byte, error) {
	return json.Marshal(envelope)
}

// ClearAll empties both tiers, used by the operational "/cache/clear"
// endpoint. Memory clearing cannot fail; persistent clearing can, so
// multierr.Combine reports it without masking a memory-tier problem were
// one ever introduced.
func (m *Manager) ClearAll(ctx context.Context) error {
	var memErr error
	m.memory.Clear()

	var kvErr error
	if m.kv != nil {
		kvErr = m.kv.Purge(ctx)
	}
	return multierr.Combine(memErr, kvErr)
}

// Stats is the aggregate snapshot served by the "/cache/stats" operational
// endpoint.
type Stats struct {
	MemoryItems     int
	PersistentItems int64
	PersistentBytes int64
}

// Stats reports current occupancy of both tiers. PersistentItems/Bytes stay
// zero when the persistent tier is disabled.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	st := Stats{MemoryItems: m.memory.Size()}
	if m.kv == nil {
		return st, nil
	}

	kvStats, err := m.kv.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.PersistentItems = kvStats.Count

	size, err := m.kv.SizeBytes(ctx)
	if err != nil {
		return st, err
	}
	st.PersistentBytes = size
	return st, nil
}
