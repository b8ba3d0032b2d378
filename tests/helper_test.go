// Package tests holds full-stack end-to-end coverage driving the real HTTP
// server with ethclient/rpc.Client and raw net/http, mirroring the
// teacher's tests/ harness (httptest mock upstream + ethclient against a
// locally-listening proxy) but against the new multi-network server.
package tests

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/clems4ever/evmcacheproxy/internal/cachemgr"
	"github.com/clems4ever/evmcacheproxy/internal/cleanup"
	"github.com/clems4ever/evmcacheproxy/internal/clock"
	"github.com/clems4ever/evmcacheproxy/internal/coalesce"
	"github.com/clems4ever/evmcacheproxy/internal/dispatch"
	"github.com/clems4ever/evmcacheproxy/internal/kvstore"
	"github.com/clems4ever/evmcacheproxy/internal/kvstore/kvstoretest"
	"github.com/clems4ever/evmcacheproxy/internal/lrucache"
	"github.com/clems4ever/evmcacheproxy/internal/netrouter"
	"github.com/clems4ever/evmcacheproxy/internal/policy"
	"github.com/clems4ever/evmcacheproxy/internal/rpctypes"
	"github.com/clems4ever/evmcacheproxy/internal/server"
	"github.com/clems4ever/evmcacheproxy/internal/upstream"
)

// fakeClock lets TTL-sensitive scenarios advance time deterministically
// instead of sleeping on the wall clock.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var _ clock.Clock = (*fakeClock)(nil)

// testStack is a full server wired with directly-constructed collaborators
// so tests can both drive HTTP traffic and inspect/advance cache state.
type testStack struct {
	addr  string
	cache *cachemgr.Manager
	kv    *kvstore.Store // nil for the memory-only variant
	srv   *server.Server
}

func startStack(addr string, clk clock.Clock, networks map[string]rpctypes.NetworkSpec, defaultNetwork, authToken string) *testStack {
	logger := zap.NewNop()
	memory := lrucache.New(1000)
	cache := cachemgr.New(logger, clk, memory, nil, 0)
	coalescer := coalesce.New()
	client := upstream.NewClient(0)
	dispatcher := dispatch.New(logger, cache, coalescer, client, policy.DefaultConfig(), dispatch.DefaultQueueCapacity)
	router := netrouter.New(networks, defaultNetwork)

	srv := server.New(logger, addr, router, dispatcher, cache, client, nil, authToken)
	go srv.Start()
	waitForListener(addr)

	return &testStack{addr: addr, cache: cache, srv: srv}
}

// startPersistentStack is startStack's variant with the persistent KV tier
// and its byte-size cleanup manager enabled, for scenarios that need to
// observe write-through or size-triggered pruning.
func startPersistentStack(t *testing.T, addr string, clk clock.Clock, networks map[string]rpctypes.NetworkSpec, defaultNetwork string, maxSizeBytes int64, slackRatio float64) *testStack {
	t.Helper()

	logger := zap.NewNop()
	kv := kvstoretest.New(t)
	memory := lrucache.New(1000)
	cache := cachemgr.New(logger, clk, memory, kv, 0)

	var cleanupManager *cleanup.Manager
	if maxSizeBytes > 0 {
		cleanupManager = cleanup.NewManager(logger, kv, maxSizeBytes, slackRatio)
		cache.SetCleanupNotifier(cleanupManager)
	}

	coalescer := coalesce.New()
	client := upstream.NewClient(0)
	dispatcher := dispatch.New(logger, cache, coalescer, client, policy.DefaultConfig(), dispatch.DefaultQueueCapacity)
	router := netrouter.New(networks, defaultNetwork)

	// server.Start launches cleanupManager itself; Shutdown stops it.
	srv := server.New(logger, addr, router, dispatcher, cache, client, cleanupManager, "")
	go srv.Start()
	waitForListener(addr)

	return &testStack{addr: addr, cache: cache, kv: kv, srv: srv}
}

func (s *testStack) shutdown() {
	_ = s.srv.Shutdown(context.Background())
}

func waitForListener(addr string) {
	for i := 0; i < 50; i++ {
		conn, err := net.Dial("tcp", "localhost"+addr)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func singleNetwork(key, primaryURL string, fallbackURL string) map[string]rpctypes.NetworkSpec {
	spec := rpctypes.NetworkSpec{
		Key:                key,
		Primary:            rpctypes.UpstreamSpec{URL: primaryURL},
		RequestTimeout:     2 * time.Second,
		MaxFallbackRetries: 2,
		InitialBackoff:     5 * time.Millisecond,
	}
	if fallbackURL != "" {
		spec.Fallback = &rpctypes.UpstreamSpec{URL: fallbackURL}
	}
	return map[string]rpctypes.NetworkSpec{key: spec}
}
