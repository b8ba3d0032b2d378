// Package proxy is the HTTP-facing JSON-RPC 2.0 handler: it decodes one
// request or a batch array, resolves the target network, drives each call
// through the dispatcher, and writes back envelopes shaped per §4/§6.
//
// Grounded on the teacher's proxy.Handler (same read-body/decode/encode
// shape, same chi-mountable http.Handler contract) but with all caching,
// forwarding and rate-limiting logic removed in favor of internal/dispatch
// -- this package's only job now is wire-level decode/encode plus
// edge-level error mapping via internal/rpcerr.
package proxy

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/clems4ever/evmcacheproxy/internal/dispatch"
	"github.com/clems4ever/evmcacheproxy/internal/netrouter"
	"github.com/clems4ever/evmcacheproxy/internal/rpcerr"
	"github.com/clems4ever/evmcacheproxy/internal/rpctypes"
)

// Handler is the mountable JSON-RPC endpoint for all configured networks.
type Handler struct {
	logger     *zap.Logger
	router     *netrouter.Router
	dispatcher *dispatch.Dispatcher
}

// NewHandler builds a Handler.
func NewHandler(logger *zap.Logger, router *netrouter.Router, dispatcher *dispatch.Dispatcher) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger, router: router, dispatcher: dispatcher}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	network, err := h.router.Resolve(chi.URLParam(r, "network"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, rpcerr.New(rpcerr.UnknownNetwork, "%v", err), nil)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusOK, rpcerr.Wrap(rpcerr.ParseError, err, "failed to read request body"), nil)
		return
	}

	var batch []json.RawMessage
	isBatch := false
	trimmed := trimLeadingSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		isBatch = true
		if err := json.Unmarshal(body, &batch); err != nil {
			h.writeError(w, http.StatusOK, rpcerr.Wrap(rpcerr.ParseError, err, "invalid JSON"), nil)
			return
		}
	} else {
		batch = []json.RawMessage{body}
	}

	responses := make([]*rpctypes.Response, 0, len(batch))
	for _, raw := range batch {
		responses = append(responses, h.serveOne(r, network, raw))
	}

	w.Header().Set("Content-Type", "application/json")
	if isBatch {
		json.NewEncoder(w).Encode(responses)
		return
	}
	json.NewEncoder(w).Encode(responses[0])
}

func (h *Handler) serveOne(r *http.Request, network rpctypes.NetworkSpec, raw json.RawMessage) *rpctypes.Response {
	var req rpctypes.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return rpcerr.ToResponse(rpcerr.Wrap(rpcerr.ParseError, err, "invalid JSON"), nil)
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return rpcerr.ToResponse(rpcerr.New(rpcerr.InvalidRequest, "request must set jsonrpc=\"2.0\" and method"), req.ID)
	}

	resp, err := h.dispatcher.Dispatch(r.Context(), network, &req)
	if err != nil {
		h.logger.Debug("dispatch failed", zap.String("network", network.Key), zap.String("method", req.Method), zap.Error(err))
		return rpcerr.ToResponse(err, req.ID)
	}
	return resp
}

// writeError writes a JSON-RPC error envelope with the given HTTP status.
// Per §7, a JSON-RPC-level error is normally delivered inside a 200
// envelope; only edge failures that never reach the JSON-RPC layer (an
// unknown network segment) get a non-200 status.
func (h *Handler) writeError(w http.ResponseWriter, status int, err error, id json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(rpcerr.ToResponse(err, id))
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}
