// Package dispatch is the request orchestrator (§4.8): it ties the
// fingerprint, policy, cache, coalescer and upstream client together into
// the single state machine that serves one JSON-RPC call.
//
// No direct teacher precedent for the state machine itself -- the teacher's
// proxy.Handler inlined a single-upstream cache-then-fetch without
// fallback, quality checks or coalescing. Grounded on the teacher's
// overall "look up, else fetch, else store" shape and composed from the
// packages built for this spec; retry/backoff follows the jittered-delay
// idiom already used by cachemgr's duplicate-window throttle.
package dispatch

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clems4ever/evmcacheproxy/internal/cachemgr"
	"github.com/clems4ever/evmcacheproxy/internal/coalesce"
	"github.com/clems4ever/evmcacheproxy/internal/fingerprint"
	"github.com/clems4ever/evmcacheproxy/internal/metrics"
	"github.com/clems4ever/evmcacheproxy/internal/policy"
	"github.com/clems4ever/evmcacheproxy/internal/rpcerr"
	"github.com/clems4ever/evmcacheproxy/internal/rpctypes"
	"github.com/clems4ever/evmcacheproxy/internal/upstream"
	"github.com/clems4ever/evmcacheproxy/internal/validate"
)

// DefaultQueueCapacity bounds the number of in-flight upstream attempts
// per network when New is given no positive queue capacity (§5).
const DefaultQueueCapacity = 20

// criticalMethods are the methods whose result is worth a quality check and
// a fallback attempt when it looks empty/missing (§4.8).
var criticalMethods = map[string]bool{
	"eth_call":                                true,
	"eth_getLogs":                              true,
	"eth_getBlockByNumber":                      true,
	"eth_getBlockByHash":                        true,
	"eth_getBlockReceipts":                      true,
	"eth_getTransactionReceipt":                 true,
	"eth_getStorageAt":                          true,
	"eth_getBalance":                            true,
	"eth_getCode":                               true,
	"eth_getTransactionByHash":                  true,
	"eth_getTransactionByBlockHashAndIndex":     true,
	"eth_getTransactionByBlockNumberAndIndex":   true,
}

// historicalErrorSignatures are case-insensitive substrings upstreams use to
// signal "I don't have this historical state" rather than a generic fault.
var historicalErrorSignatures = []string{
	"missing trie node",
	"header not found",
	"unknown block",
	"state not available",
	"historical state",
	"is not available",
}

// Dispatcher serves one JSON-RPC call end to end for a resolved network.
type Dispatcher struct {
	logger    *zap.Logger
	cache     *cachemgr.Manager
	coalescer *coalesce.Group
	client    *upstream.Client
	policyCfg policy.Config
	queueCap  int

	queues *queueRegistry
}

// New builds a Dispatcher. queueCapacity<=0 uses DefaultQueueCapacity.
func New(logger *zap.Logger, cache *cachemgr.Manager, coalescer *coalesce.Group, client *upstream.Client, policyCfg policy.Config, queueCapacity int) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	return &Dispatcher{
		logger:    logger,
		cache:     cache,
		coalescer: coalescer,
		client:    client,
		policyCfg: policyCfg,
		queueCap:  queueCapacity,
		queues:    newQueueRegistry(),
	}
}

// Dispatch serves req against network, returning a ready-to-send envelope.
// It never returns a raw transport/upstream error: every failure is either
// a *rpcerr.Error or folded into a synthesized JSON-RPC error result by the
// caller via rpcerr.ToResponse.
func (d *Dispatcher) Dispatch(ctx context.Context, network rpctypes.NetworkSpec, req *rpctypes.Request) (*rpctypes.Response, error) {
	fp := fingerprint.Fingerprint(network.Key, req.Method, req.Params)
	decision := d.policyCfg.Classify(req.Method, req.Params)

	if decision.Cacheable {
		cached, err := d.cache.Lookup(ctx, fp, decision.MaxAge, req.ID)
		if err != nil {
			// A cache read failure is never surfaced; the request continues
			// as a miss.
			d.logger.Warn("cache lookup failed; treating as miss", zap.Error(err), zap.String("network", network.Key), zap.String("method", req.Method))
			cached = nil
		}
		if cached != nil {
			metrics.CacheHits.WithLabelValues(network.Key, req.Method).Inc()
			return cached, nil
		}
		metrics.CacheMisses.WithLabelValues(network.Key, req.Method).Inc()
	}

	resp, shared, err := d.coalescer.JoinShared(fp, req.ID, func() (*rpctypes.Response, error) {
		// The bounded queue gates actual upstream attempts, not incoming
		// requests: only the coalescing leader ever reaches this closure,
		// so acquiring here (rather than before Join) lets an unbounded
		// number of joiners ride a single leader's slot (§5).
		sem := d.queues.get(network.Key, d.queueCap)
		if !sem.tryAcquire() {
			metrics.QueueRejected.WithLabelValues(network.Key).Inc()
			return nil, rpcerr.New(rpcerr.UpstreamUnavailable, "network %q is at capacity, try again", network.Key)
		}
		defer sem.release()

		return d.attempt(ctx, network, req, fp, decision)
	})
	if shared {
		metrics.Coalesced.WithLabelValues(network.Key, req.Method).Inc()
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// attempt is the leader-only body run at most once per concurrently-active
// fingerprint: duplicate-window throttle, primary call, quality/error-driven
// fallback decision, retrying fallback with backoff, and write-through.
func (d *Dispatcher) attempt(ctx context.Context, network rpctypes.NetworkSpec, req *rpctypes.Request, fp string, decision policy.Decision) (*rpctypes.Response, error) {
	if decision.Cacheable {
		d.cache.HandleDuplicateWindow(ctx, fp, network.Key, req.Method)
		if cached, err := d.cache.Lookup(ctx, fp, decision.MaxAge, req.ID); err == nil && cached != nil {
			metrics.CacheHits.WithLabelValues(network.Key, req.Method).Inc()
			return cached, nil
		}
	}

	args, _ := rpctypes.ParseParams(req.Params)
	historicalFixed := policy.IsHistoricalFixed(req.Method, args)

	primaryReq := &rpctypes.Request{JSONRPC: "2.0", Method: req.Method, Params: req.Params, ID: req.ID}
	metrics.UpstreamRequests.WithLabelValues(network.Key, "primary").Inc()
	primaryResp, primaryErr := d.client.Post(ctx, network.Key, network.Primary, primaryReq, network.RequestTimeout)

	needsFallback, reason := d.needsFallback(req.Method, historicalFixed, primaryResp, primaryErr)
	if primaryErr != nil {
		var uerr *upstream.Error
		class := "unknown"
		if e, ok := primaryErr.(*upstream.Error); ok {
			uerr = e
			class = classLabel(uerr.Class)
		}
		metrics.UpstreamErrors.WithLabelValues(network.Key, "primary", class).Inc()
	}

	if !needsFallback {
		return d.finish(ctx, network, req, fp, decision, primaryResp, primaryErr)
	}

	if !network.HasFallback() {
		// No fallback configured: serve whatever the primary produced, even
		// if quality-suspect, rather than fail a request outright.
		return d.finish(ctx, network, req, fp, decision, primaryResp, primaryErr)
	}

	metrics.FallbackTaken.WithLabelValues(network.Key, reason).Inc()
	fallbackResp, fallbackErr := d.retryFallback(ctx, network, req)
	if fallbackErr == nil && fallbackResp != nil {
		return d.finish(ctx, network, req, fp, decision, fallbackResp, nil)
	}

	// Fallback exhausted too: prefer a primary success over a primary
	// failure, even a quality-suspect one, over returning nothing at all.
	if primaryErr == nil {
		return d.finish(ctx, network, req, fp, decision, primaryResp, nil)
	}
	return nil, classifyFinalError(primaryErr)
}

// needsFallback decides whether the primary's outcome is good enough to
// serve, or whether a fallback attempt should be made (§4.8).
func (d *Dispatcher) needsFallback(method string, historicalFixed bool, resp *rpctypes.Response, err error) (bool, string) {
	if err != nil {
		if uerr, ok := err.(*upstream.Error); ok {
			if uerr.Class == upstream.ClassRPCError && resp != nil && resp.Error != nil {
				if isHistoricalErrorSignature(resp.Error) && criticalMethods[method] {
					return true, "historical_error_signature"
				}
				return false, ""
			}
		}
		return true, "primary_error"
	}

	if !criticalMethods[method] {
		return false, ""
	}
	if resultLooksEmpty(method, historicalFixed, resp) {
		return true, "empty_result"
	}
	return false, ""
}

func isHistoricalErrorSignature(rpcErr *rpctypes.RPCError) bool {
	if rpcErr.Code == -32801 {
		return true
	}
	if rpcErr.Code == -32000 && strings.Contains(strings.ToLower(rpcErr.Message), "network error") {
		return true
	}
	lower := strings.ToLower(rpcErr.Message)
	for _, sig := range historicalErrorSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// resultLooksEmpty reports whether a successful critical-method result is
// suspicious enough to warrant a fallback attempt (§4.8).
func resultLooksEmpty(method string, historicalFixed bool, resp *rpctypes.Response) bool {
	if resp == nil {
		return true
	}
	raw := strings.TrimSpace(string(resp.Result))
	if raw == "" || raw == "null" || raw == `""` {
		return true
	}
	if method != "eth_getLogs" && raw == "[]" {
		return true
	}
	if raw == `"0x"` && method != "eth_call" && method != "eth_getCode" {
		return true
	}
	if method == "eth_getLogs" && historicalFixed && raw == "[]" {
		return true
	}
	if !historicalFixed {
		switch method {
		case "eth_call", "eth_getBlockByNumber", "eth_getBlockReceipts":
			if raw == "[]" || raw == `"0x"` {
				return true
			}
		}
	}
	return false
}

// retryFallback attempts the fallback upstream up to network.MaxFallbackRetries
// times, doubling the delay each retry with +/-10% jitter starting from
// network.InitialBackoff.
func (d *Dispatcher) retryFallback(ctx context.Context, network rpctypes.NetworkSpec, req *rpctypes.Request) (*rpctypes.Response, error) {
	delay := network.InitialBackoff
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	retries := network.MaxFallbackRetries
	if retries <= 0 {
		retries = 1
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			sleep := jitter(delay)
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
		}

		fallbackReq := &rpctypes.Request{JSONRPC: "2.0", Method: req.Method, Params: req.Params, ID: req.ID}
		metrics.UpstreamRequests.WithLabelValues(network.Key, "fallback").Inc()
		resp, err := d.client.Post(ctx, network.Key, *network.Fallback, fallbackReq, network.RequestTimeout)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		uerr, ok := err.(*upstream.Error)
		class := "unknown"
		if ok {
			class = classLabel(uerr.Class)
		}
		metrics.UpstreamErrors.WithLabelValues(network.Key, "fallback", class).Inc()

		if ok && uerr.Class == upstream.ClassRPCError {
			// A well-formed RPC error from the fallback is a real answer,
			// not a transport failure; don't keep retrying the same call.
			return resp, nil
		}
		if !ok || !uerr.Retryable() {
			break
		}
	}
	return nil, lastErr
}

// jitter returns d scaled by a random factor in [0.9, 1.1).
func jitter(d time.Duration) time.Duration {
	factor := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(d) * factor)
}

func classLabel(c upstream.ErrorClass) string {
	switch c {
	case upstream.ClassTransportFatal:
		return "transport_fatal"
	case upstream.ClassTransportTransient:
		return "transport_transient"
	case upstream.ClassClientError:
		return "client_error"
	case upstream.ClassRPCError:
		return "rpc_error"
	default:
		return "none"
	}
}

// finish applies write-through (cacheable && valid) and returns the final
// response, or a classified *rpcerr.Error if resp/err represent a failure
// with nothing servable.
func (d *Dispatcher) finish(ctx context.Context, network rpctypes.NetworkSpec, req *rpctypes.Request, fp string, decision policy.Decision, resp *rpctypes.Response, err error) (*rpctypes.Response, error) {
	if err != nil {
		if uerr, ok := err.(*upstream.Error); ok && uerr.Class == upstream.ClassRPCError && resp != nil && resp.Error != nil {
			return resp, nil
		}
		return nil, classifyFinalError(err)
	}
	if resp == nil {
		return nil, rpcerr.New(rpcerr.UpstreamUnavailable, "upstream returned no response")
	}
	if resp.Error != nil {
		return resp, nil
	}

	if decision.Cacheable {
		if validate.Valid(req.Method, req.Params, resp) {
			if storeErr := d.cache.Store(ctx, fp, resp); storeErr != nil {
				d.logger.Warn("cache store failed", zap.Error(storeErr), zap.String("network", network.Key), zap.String("method", req.Method))
			}
		} else {
			metrics.ValidationRejected.WithLabelValues(network.Key, req.Method).Inc()
		}
	}
	return resp, nil
}

func classifyFinalError(err error) error {
	uerr, ok := err.(*upstream.Error)
	if !ok {
		return rpcerr.Wrap(rpcerr.UpstreamUnavailable, err, "upstream request failed")
	}
	switch uerr.Class {
	case upstream.ClassClientError:
		return rpcerr.Wrap(rpcerr.UpstreamUnavailable, err, "upstream rejected the request (status %d)", uerr.StatusCode)
	default:
		return rpcerr.Wrap(rpcerr.UpstreamUnavailable, err, "upstream unreachable")
	}
}
