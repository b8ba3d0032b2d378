// Package rpcerr is the closed error-kind taxonomy the core surfaces (§7),
// plus the JSON-RPC code/message mapping consumed only at the HTTP edge.
// Everything below the edge deals in Kind, never in raw HTTP status or
// transport errors.
package rpcerr

import (
	"errors"
	"fmt"

	"github.com/clems4ever/evmcacheproxy/internal/rpctypes"
)

// Kind is the closed set of error categories the core can produce.
type Kind int

const (
	// ParseError: the HTTP body was not valid JSON.
	ParseError Kind = iota
	// InvalidRequest: caller-level JSON-RPC malformation (missing method, etc).
	InvalidRequest
	// InvalidParams: params present but structurally wrong for the method.
	InvalidParams
	// UnknownNetwork: path routed to an unconfigured network.
	UnknownNetwork
	// UpstreamUnavailable: primary and fallback (or primary alone) exhausted.
	UpstreamUnavailable
	// UpstreamRPCError: upstream returned a well-formed JSON-RPC error.
	UpstreamRPCError
	// PersistentCacheIoError: KV tier failed; never surfaced to the caller.
	PersistentCacheIoError
	// ValidationReject: response failed the validator; not cached, but
	// still returned if otherwise non-erroneous.
	ValidationReject
)

func (k Kind) String() string {
	switch k {
	case ParseError:
		return "ParseError"
	case InvalidRequest:
		return "InvalidRequest"
	case InvalidParams:
		return "InvalidParams"
	case UnknownNetwork:
		return "UnknownNetwork"
	case UpstreamUnavailable:
		return "UpstreamUnavailable"
	case UpstreamRPCError:
		return "UpstreamRPCError"
	case PersistentCacheIoError:
		return "PersistentCacheIoError"
	case ValidationReject:
		return "ValidationReject"
	default:
		return "Unknown"
	}
}

// Error is a core-level error carrying its Kind and, for UpstreamRPCError,
// the original upstream error object to forward verbatim.
type Error struct {
	Kind     Kind
	Message  string
	Upstream *rpctypes.RPCError
	cause    error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a Kind-tagged error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a Kind-tagged error around an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// FromUpstream wraps an upstream JSON-RPC error object for forwarding.
func FromUpstream(rpcErr *rpctypes.RPCError) *Error {
	return &Error{Kind: UpstreamRPCError, Message: rpcErr.Message, Upstream: rpcErr}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// defaulting to UpstreamUnavailable for anything unrecognized since that
// is the safest generic "something went wrong talking upstream" bucket.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return UpstreamUnavailable
}

// ToResponse renders err as the JSON-RPC error envelope the core emits for
// id, using the code table of §6/§7.
func ToResponse(err error, id []byte) *rpctypes.Response {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: UpstreamUnavailable, Message: err.Error()}
	}

	resp := &rpctypes.Response{JSONRPC: "2.0", ID: id}

	switch e.Kind {
	case ParseError:
		resp.Error = &rpctypes.RPCError{Code: -32700, Message: e.Error()}
	case InvalidRequest:
		resp.Error = &rpctypes.RPCError{Code: -32600, Message: e.Error()}
	case InvalidParams:
		resp.Error = &rpctypes.RPCError{Code: -32602, Message: e.Error()}
	case UnknownNetwork:
		resp.Error = &rpctypes.RPCError{Code: -32601, Message: e.Error()}
	case UpstreamRPCError:
		if e.Upstream != nil {
			resp.Error = e.Upstream
		} else {
			resp.Error = &rpctypes.RPCError{Code: -32603, Message: e.Error()}
		}
	case UpstreamUnavailable:
		data, _ := rpctypes.CanonicalJSON(e.Error())
		resp.Error = &rpctypes.RPCError{Code: -32000, Message: "Upstream error", Data: data}
	default:
		resp.Error = &rpctypes.RPCError{Code: -32603, Message: e.Error()}
	}
	return resp
}
