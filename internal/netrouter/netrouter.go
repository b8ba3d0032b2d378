// Package netrouter resolves a URL path segment to the NetworkSpec that
// serves it (§2, §6). A trivial map lookup; no library pulls its weight
// here.
package netrouter

import (
	"fmt"
	"sort"

	"github.com/clems4ever/evmcacheproxy/internal/rpctypes"
)

// Router resolves network keys to specs.
type Router struct {
	networks   map[string]rpctypes.NetworkSpec
	defaultKey string
}

// New builds a Router. defaultKey names the network served at "/" -- the
// spec's "default/single upstream (if configured) or the first configured
// network" (§6). An empty defaultKey falls back, at resolve time, to the
// lexicographically first configured key.
func New(networks map[string]rpctypes.NetworkSpec, defaultKey string) *Router {
	return &Router{networks: networks, defaultKey: defaultKey}
}

// Resolve returns the NetworkSpec for a path segment ("" meaning "/").
func (r *Router) Resolve(segment string) (rpctypes.NetworkSpec, error) {
	key := segment
	if key == "" {
		key = r.defaultKey
	}
	if key == "" {
		key = r.firstKey()
	}
	spec, ok := r.networks[key]
	if !ok {
		return rpctypes.NetworkSpec{}, fmt.Errorf("unknown network %q", key)
	}
	return spec, nil
}

// firstKey returns the lexicographically first configured network key, the
// deterministic stand-in for "the first configured network" when no default
// is set. Empty when no networks are configured.
func (r *Router) firstKey() string {
	if len(r.networks) == 0 {
		return ""
	}
	keys := make([]string, 0, len(r.networks))
	for k := range r.networks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0]
}

// Keys returns the configured network keys, for the operational endpoints.
func (r *Router) Keys() []string {
	keys := make([]string, 0, len(r.networks))
	for k := range r.networks {
		keys = append(keys, k)
	}
	return keys
}
