// Package policy implements the per-method cacheability classifier (§4.4):
// given a method and its params, decide whether the response is cacheable
// and for how long.
//
// Grounded on the teacher's isCacheable/isBlockNumberSpecific (same
// hex-block-tag detection idiom over a []interface{} params slice),
// generalized to the full immutable/latest-tick/historical-conditional
// table the spec requires.
package policy

import (
	"strings"
	"time"

	"github.com/clems4ever/evmcacheproxy/internal/rpctypes"
)

// Infinite denotes "never expire".
const Infinite time.Duration = -1

// Decision is the outcome of classifying a request.
type Decision struct {
	Cacheable bool
	MaxAge    time.Duration // Infinite means never expire
}

// Config carries the operator-tunable TTLs the policy falls back to for
// non-historical-fixed requests.
type Config struct {
	LatestTickTTL time.Duration // eth_blockNumber, default 10s
	CallTTL       time.Duration // eth_call / eth_getLogs non-fixed, default 10s
}

// DefaultConfig matches spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{
		LatestTickTTL: 10 * time.Second,
		CallTTL:       10 * time.Second,
	}
}

var immutableMethods = map[string]bool{
	"eth_chainId":               true,
	"net_version":               true,
	"eth_getTransactionReceipt": true,
	"eth_getTransactionByHash":  true,
}

var historicalConditionalMethods = map[string]bool{
	"eth_call":             true,
	"eth_getBlockByNumber":  true,
	"eth_getBlockReceipts":  true,
	"eth_getLogs":           true,
	"eth_getStorageAt":      true,
	"eth_getBalance":        true,
}

// Classify returns the cacheability decision for method/params.
func (c Config) Classify(method string, params []byte) Decision {
	if immutableMethods[method] {
		return Decision{Cacheable: true, MaxAge: Infinite}
	}

	if method == "eth_blockNumber" {
		return Decision{Cacheable: true, MaxAge: c.LatestTickTTL}
	}

	if historicalConditionalMethods[method] {
		args, err := rpctypes.ParseParams(params)
		if err != nil {
			args = nil
		}
		if IsHistoricalFixed(method, args) {
			return Decision{Cacheable: true, MaxAge: Infinite}
		}
		switch method {
		case "eth_call", "eth_getLogs":
			return Decision{Cacheable: true, MaxAge: c.CallTTL}
		default:
			// eth_getBlockByNumber, eth_getBlockReceipts, eth_getStorageAt,
			// eth_getBalance without a fixed historical point are not
			// cacheable: "latest" can change on every block.
			return Decision{Cacheable: false}
		}
	}

	return Decision{Cacheable: false}
}

// IsHistoricalFixed reports whether method/args reference a fixed past
// block, per the per-method rules of §4.4. Ambiguous tags (earliest/safe/
// finalized) are deliberately treated as not-fixed (§9 open question).
func IsHistoricalFixed(method string, args []interface{}) bool {
	switch method {
	case "eth_call":
		if len(args) >= 2 {
			if isFixedHexTag(args[1]) {
				return true
			}
		}
		if len(args) >= 1 {
			if obj, ok := args[0].(map[string]interface{}); ok {
				if bh, ok := obj["blockHash"]; ok && bh != nil {
					return true
				}
			}
		}
		return false

	case "eth_getBlockByNumber":
		if len(args) >= 1 {
			return isFixedHexTag(args[0])
		}
		return false

	case "eth_getBlockReceipts":
		// Single arg is a block number/hash identifier (§3 fingerprint
		// rule); any hex tag pins it to a specific past block.
		if len(args) >= 1 {
			return isFixedHexTag(args[0])
		}
		return false

	case "eth_getLogs":
		if len(args) >= 1 {
			if obj, ok := args[0].(map[string]interface{}); ok {
				toBlock, present := obj["toBlock"]
				if !present || toBlock == nil {
					return false
				}
				return isFixedHexTag(toBlock)
			}
		}
		return false

	case "eth_getStorageAt":
		// params: [address, position, blockNumber]
		return len(args) >= 3 && isFixedHexTag(args[2])

	case "eth_getBalance":
		// params: [address, blockNumber]
		return len(args) >= 2 && isFixedHexTag(args[1])

	default:
		return false
	}
}

var ambiguousTags = map[string]bool{
	"earliest":  true,
	"safe":      true,
	"finalized": true,
}

var mutableTags = map[string]bool{
	"latest":  true,
	"pending": true,
}

func isFixedHexTag(v interface{}) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	lower := strings.ToLower(s)
	if ambiguousTags[lower] || mutableTags[lower] {
		return false
	}
	return strings.HasPrefix(lower, "0x")
}
