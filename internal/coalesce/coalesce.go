// Package coalesce guarantees at most one in-flight upstream attempt per
// fingerprint (§4.9, §5 single-flight invariant). Awaiters joining an
// existing attempt get the leader's result with their own request id
// substituted in.
//
// Grounded on golang.org/x/sync/singleflight (present in the pack via
// O-tero-Distributed-Caching-System and jroosing-HydraDNS's golang.org/x/sync
// dependency) for the core do-once-per-key mechanism, wrapped with the
// envelope id-rewriting the spec requires on every join.
package coalesce

import (
	"encoding/json"

	"golang.org/x/sync/singleflight"

	"github.com/clems4ever/evmcacheproxy/internal/rpctypes"
)

// Group coalesces concurrent identical requests by fingerprint.
type Group struct {
	g singleflight.Group
}

// New builds an empty Group.
func New() *Group {
	return &Group{}
}

// Join runs producer at most once per concurrently-active key: the first
// caller (the leader) executes producer; later callers (joiners) block
// until the leader's attempt resolves and receive the same result, with ID
// rewritten to requestID. The leader itself also goes through this
// rewriting so the contract is uniform regardless of leader/joiner role.
func (g *Group) Join(key string, requestID json.RawMessage, producer func() (*rpctypes.Response, error)) (*rpctypes.Response, error) {
	resp, _, err := g.JoinShared(key, requestID, producer)
	return resp, err
}

// JoinShared behaves like Join but additionally reports whether this caller
// rode in on another goroutine's in-flight attempt (shared=true) rather than
// driving the producer itself -- used only for the coalesced-request metric.
func (g *Group) JoinShared(key string, requestID json.RawMessage, producer func() (*rpctypes.Response, error)) (*rpctypes.Response, bool, error) {
	v, err, shared := g.g.Do(key, func() (interface{}, error) {
		return producer()
	})
	if err != nil {
		return nil, shared, err
	}
	resp := v.(*rpctypes.Response)
	return resp.WithID(requestID), shared, nil
}
