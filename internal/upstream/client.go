// Package upstream is the HTTP client that talks to a single JSON-RPC
// upstream: POST with timeout, one keep-alive connection pool per network,
// and the error taxonomy (§4.7) higher layers use to decide retry/fallback.
//
// Grounded on the teacher's proxy.Handler http.Client/NewRequestWithContext
// POST, generalized from one shared *http.Client to one *http.Transport per
// network key (bounded idle connections) and classified errors instead of
// a flat "upstream error" 502.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/clems4ever/evmcacheproxy/internal/rpctypes"
)

// ErrorClass is the taxonomy of §4.7.
type ErrorClass int

const (
	// ClassNone means no error occurred.
	ClassNone ErrorClass = iota
	// ClassTransportFatal: DNS, connection refused, TLS -- not retryable,
	// forces fallback consideration.
	ClassTransportFatal
	// ClassTransportTransient: timeout, 5xx, 429 -- retryable.
	ClassTransportTransient
	// ClassClientError: 400, 401, 403, other non-429 4xx -- not retryable,
	// but fallback may still be tried.
	ClassClientError
	// ClassRPCError: HTTP 200 with a JSON-RPC error field.
	ClassRPCError
)

// Error wraps a transport/HTTP-level failure with its class.
type Error struct {
	Class      ErrorClass
	StatusCode int
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("upstream error (status=%d): %v", e.StatusCode, e.cause)
	}
	return fmt.Sprintf("upstream error (status=%d)", e.StatusCode)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether this error class warrants a retry of the same
// upstream (only ClassTransportTransient is).
func (e *Error) Retryable() bool {
	return e.Class == ClassTransportTransient
}

// Client issues POST requests against JSON-RPC upstreams, maintaining one
// connection pool per network key.
type Client struct {
	mu         sync.Mutex
	transports map[string]*http.Transport
	maxConnsPerHost int
}

// NewClient builds a Client. maxConnsPerHost bounds the keep-alive pool
// size per network (default 50 per spec.md §4.7 when 0 is passed).
func NewClient(maxConnsPerHost int) *Client {
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = 50
	}
	return &Client{
		transports:      make(map[string]*http.Transport),
		maxConnsPerHost: maxConnsPerHost,
	}
}

func (c *Client) transportFor(networkKey string) *http.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.transports[networkKey]; ok {
		return t
	}
	t := &http.Transport{
		MaxIdleConnsPerHost:   c.maxConnsPerHost,
		MaxConnsPerHost:       c.maxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 0, // governed by the request's context deadline instead
	}
	c.transports[networkKey] = t
	return t
}

// Post issues one JSON-RPC call to upstream and returns either a parsed
// envelope or a classified *Error; for an HTTP 200 reply carrying a
// JSON-RPC error it returns both the parsed envelope and a ClassRPCError
// *Error. It never retries; retry policy belongs to the dispatcher.
func (c *Client) Post(ctx context.Context, networkKey string, upstream rpctypes.UpstreamSpec, req *rpctypes.Request, timeout time.Duration) (*rpctypes.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Class: ClassClientError, cause: err}
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, upstream.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Class: ClassTransportFatal, cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range upstream.Headers {
		httpReq.Header.Set(k, v)
	}

	client := &http.Client{Transport: c.transportFor(networkKey)}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &Error{Class: ClassTransportTransient, StatusCode: httpResp.StatusCode, cause: err}
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPStatus(httpResp.StatusCode, respBody)
	}

	var rpcResp rpctypes.Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, &Error{Class: ClassTransportTransient, StatusCode: httpResp.StatusCode, cause: err}
	}

	if rpcResp.Error != nil {
		return &rpcResp, &Error{Class: ClassRPCError, StatusCode: httpResp.StatusCode}
	}

	return &rpcResp, nil
}

func classifyTransportError(err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Class: ClassTransportTransient, cause: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Class: ClassTransportFatal, cause: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Error{Class: ClassTransportFatal, cause: err}
	}
	if strings.Contains(err.Error(), "context deadline exceeded") {
		return &Error{Class: ClassTransportTransient, cause: err}
	}
	// TLS handshake failures and anything else we can't positively
	// identify as transient are treated conservatively as fatal: don't
	// waste a retry budget on a primary that is categorically broken.
	return &Error{Class: ClassTransportFatal, cause: err}
}

func classifyHTTPStatus(status int, body []byte) *Error {
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Class: ClassTransportTransient, StatusCode: status}
	case status >= 500:
		return &Error{Class: ClassTransportTransient, StatusCode: status}
	case status >= 400:
		return &Error{Class: ClassClientError, StatusCode: status, cause: fmt.Errorf("%s", string(body))}
	default:
		return &Error{Class: ClassTransportTransient, StatusCode: status}
	}
}
