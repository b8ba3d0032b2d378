// Package rpctypes holds the wire-level data model shared across the core:
// JSON-RPC envelopes, network/upstream specs and the cache entry shape.
// Nothing here talks to a socket or a database; it is pure data plus the
// small amount of normalization logic that belongs next to the types.
package rpctypes

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"
)

// Request is a parsed JSON-RPC 2.0 call. Params is kept as json.RawMessage
// until a component needs to interpret it, mirroring the teacher's
// json.RawMessage-based envelope and avoiding a premature Param ADT for
// fields most components never inspect.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Response is a JSON-RPC 2.0 reply. Exactly one of Result/Error is
// meaningful per spec.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// RPCError is a JSON-RPC 2.0 error object, forwarded verbatim from upstream
// or synthesized by the core's own taxonomy (§7).
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsSuccess reports whether r is a well-formed JSON-RPC success (no error
// object present). It does not judge the quality of Result.
func (r *Response) IsSuccess() bool {
	return r != nil && r.Error == nil
}

// WithID returns a shallow copy of r with ID replaced, used to serve a
// cached or coalesced envelope under the current caller's request id
// without mutating the stored/shared copy (invariant: a cache hit never
// mutates the stored entry).
func (r *Response) WithID(id json.RawMessage) *Response {
	cp := *r
	cp.ID = id
	return &cp
}

// UpstreamSpec is one upstream JSON-RPC endpoint.
type UpstreamSpec struct {
	URL     string
	Headers map[string]string
}

// NetworkSpec binds a logical network key to a primary/fallback upstream
// pair and the dispatcher's retry/timeout tuning for that network.
type NetworkSpec struct {
	Key                string
	Primary            UpstreamSpec
	Fallback           *UpstreamSpec
	RequestTimeout     time.Duration
	MaxFallbackRetries int
	InitialBackoff     time.Duration
}

// HasFallback reports whether a fallback upstream is configured.
func (n NetworkSpec) HasFallback() bool {
	return n.Fallback != nil
}

// CacheEntry is what the two cache tiers actually store: either a full
// envelope (preferred) or a bare result (legacy form), plus bookkeeping.
type CacheEntry struct {
	Payload       json.RawMessage // either a Response envelope or a bare result value
	InsertedAt    int64           // monotonic ms since epoch
	ReadCount     int64
	WriteCount    int64
	Compressed    bool
	OriginalSize  int
	CompressedSize int
}

// AgeMillis returns how old the entry is relative to nowMs.
func (e CacheEntry) AgeMillis(nowMs int64) int64 {
	return nowMs - e.InsertedAt
}

// IsEnvelope reports whether Payload already looks like a JSON-RPC
// envelope (has "jsonrpc":"2.0" and either result or error), as opposed to
// a bare legacy result value.
func IsEnvelope(payload json.RawMessage) bool {
	var probe struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	return probe.JSONRPC == "2.0" && (len(probe.Result) > 0 || len(probe.Error) > 0)
}

// ToResponse wraps a stored payload into a fresh envelope for requestID,
// handling both the envelope and the bare-result legacy forms (§4.5
// serving-form rule).
func ToResponse(payload json.RawMessage, requestID json.RawMessage) (*Response, error) {
	if IsEnvelope(payload) {
		var r Response
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, err
		}
		return r.WithID(requestID), nil
	}
	return &Response{
		JSONRPC: "2.0",
		Result:  payload,
		ID:      requestID,
	}, nil
}

// CanonicalJSON re-marshals v with object keys sorted, so that two
// structurally equal values with differently-ordered map keys serialize
// identically. Used by the fingerprint hash fallback and anywhere JSON
// bytes must be compared or hashed for logical equality.
func CanonicalJSON(v any) ([]byte, error) {
	normalized := canonicalize(v)
	return json.Marshal(normalized)
}

func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		type pair struct {
			K string `json:"k"`
			V any    `json:"v"`
		}
		pairs := make([]pair, len(keys))
		for i, k := range keys {
			pairs[i] = pair{K: k, V: canonicalize(t[k])}
		}
		return pairs
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = canonicalize(val)
		}
		return out
	default:
		return v
	}
}

// ParseParams decodes Params into a generic []interface{} the way the
// teacher's generateCacheKey does; an empty/absent Params decodes to an
// empty slice rather than an error.
func ParseParams(params json.RawMessage) ([]interface{}, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}
	var args []interface{}
	if err := json.Unmarshal(trimmed, &args); err != nil {
		return nil, err
	}
	return args, nil
}
