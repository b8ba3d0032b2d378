package upstream_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/clems4ever/evmcacheproxy/internal/rpctypes"
	"github.com/clems4ever/evmcacheproxy/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_PostSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x10"}`))
	}))
	defer srv.Close()

	c := upstream.NewClient(0)
	resp, err := c.Post(context.Background(), "mainnet", rpctypes.UpstreamSpec{URL: srv.URL},
		&rpctypes.Request{JSONRPC: "2.0", Method: "eth_blockNumber", ID: []byte("1")}, time.Second)

	require.NoError(t, err)
	assert.Equal(t, `"0x10"`, string(resp.Result))
}

func TestClient_PostRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"boom"}}`))
	}))
	defer srv.Close()

	c := upstream.NewClient(0)
	_, err := c.Post(context.Background(), "mainnet", rpctypes.UpstreamSpec{URL: srv.URL},
		&rpctypes.Request{JSONRPC: "2.0", Method: "eth_blockNumber", ID: []byte("1")}, time.Second)

	require.Error(t, err)
	var upErr *upstream.Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, upstream.ClassRPCError, upErr.Class)
}

func TestClient_Post500IsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := upstream.NewClient(0)
	_, err := c.Post(context.Background(), "mainnet", rpctypes.UpstreamSpec{URL: srv.URL},
		&rpctypes.Request{JSONRPC: "2.0", Method: "eth_blockNumber", ID: []byte("1")}, time.Second)

	var upErr *upstream.Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, upstream.ClassTransportTransient, upErr.Class)
	assert.True(t, upErr.Retryable())
}

func TestClient_Post429IsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := upstream.NewClient(0)
	_, err := c.Post(context.Background(), "mainnet", rpctypes.UpstreamSpec{URL: srv.URL},
		&rpctypes.Request{JSONRPC: "2.0", Method: "eth_blockNumber", ID: []byte("1")}, time.Second)

	var upErr *upstream.Error
	require.ErrorAs(t, err, &upErr)
	assert.True(t, upErr.Retryable())
}

func TestClient_Post400IsClientErrorNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := upstream.NewClient(0)
	_, err := c.Post(context.Background(), "mainnet", rpctypes.UpstreamSpec{URL: srv.URL},
		&rpctypes.Request{JSONRPC: "2.0", Method: "eth_blockNumber", ID: []byte("1")}, time.Second)

	var upErr *upstream.Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, upstream.ClassClientError, upErr.Class)
	assert.False(t, upErr.Retryable())
}

func TestClient_ConnectionRefusedIsFatal(t *testing.T) {
	c := upstream.NewClient(0)
	_, err := c.Post(context.Background(), "mainnet", rpctypes.UpstreamSpec{URL: "http://127.0.0.1:1"},
		&rpctypes.Request{JSONRPC: "2.0", Method: "eth_blockNumber", ID: []byte("1")}, time.Second)

	var upErr *upstream.Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, upstream.ClassTransportFatal, upErr.Class)
	assert.False(t, upErr.Retryable())
}

func TestClient_TimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	c := upstream.NewClient(0)
	_, err := c.Post(context.Background(), "mainnet", rpctypes.UpstreamSpec{URL: srv.URL},
		&rpctypes.Request{JSONRPC: "2.0", Method: "eth_blockNumber", ID: []byte("1")}, 10*time.Millisecond)

	var upErr *upstream.Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, upstream.ClassTransportTransient, upErr.Class)
	assert.True(t, upErr.Retryable())
}
