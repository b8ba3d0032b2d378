package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
)

type rpcEnvelope struct {
	Method string          `json:"method"`
	ID     json.RawMessage `json:"id"`
}

func jsonUpstream(handler func(method string, id json.RawMessage, w http.ResponseWriter)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var env rpcEnvelope
		_ = json.Unmarshal(body, &env)
		w.Header().Set("Content-Type", "application/json")
		handler(env.Method, env.ID, w)
	}))
}

// Scenario 1: immutable hit -- eth_chainId served from memory on the second call.
func TestScenario_ImmutableHit(t *testing.T) {
	var calls int32
	upstream := jsonUpstream(func(method string, id json.RawMessage, w http.ResponseWriter) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":"0x1"}`, string(id))
	})
	defer upstream.Close()

	stack := startStack(":18085", newFakeClock(), singleNetwork("mainnet", upstream.URL, ""), "mainnet", "")
	defer stack.shutdown()

	rpcClient, err := rpc.Dial("http://localhost:18085")
	require.NoError(t, err)
	defer rpcClient.Close()

	var r1 string
	require.NoError(t, rpcClient.CallContext(context.Background(), &r1, "eth_chainId"))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	var r2 string
	require.NoError(t, rpcClient.CallContext(context.Background(), &r2, "eth_chainId"))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "second call must be served from cache")
	require.Equal(t, r1, r2)
}

// Scenario 2: historical-fixed cache -- eth_getBlockReceipts at a fixed block.
func TestScenario_HistoricalFixedCache(t *testing.T) {
	var calls int32
	upstream := jsonUpstream(func(method string, id json.RawMessage, w http.ResponseWriter) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":[{"status":"0x1"}]}`, string(id))
	})
	defer upstream.Close()

	stack := startStack(":18086", newFakeClock(), singleNetwork("mainnet", upstream.URL, ""), "mainnet", "")
	defer stack.shutdown()

	rpcClient, err := rpc.Dial("http://localhost:18086")
	require.NoError(t, err)
	defer rpcClient.Close()

	var r1, r2 []map[string]any
	require.NoError(t, rpcClient.CallContext(context.Background(), &r1, "eth_getBlockReceipts", "0x1000000"))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	require.NoError(t, rpcClient.CallContext(context.Background(), &r2, "eth_getBlockReceipts", "0x1000000"))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "second identical historical-fixed call must hit cache")
	require.Equal(t, r1, r2)
}

// Scenario 3: latest-tick TTL -- eth_blockNumber cached for 10s, refetched after.
func TestScenario_LatestTickTTL(t *testing.T) {
	var calls int32
	upstream := jsonUpstream(func(method string, id json.RawMessage, w http.ResponseWriter) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":"0x64"}`, string(id))
	})
	defer upstream.Close()

	clk := newFakeClock()
	stack := startStack(":18087", clk, singleNetwork("mainnet", upstream.URL, ""), "mainnet", "")
	defer stack.shutdown()

	rpcClient, err := rpc.Dial("http://localhost:18087")
	require.NoError(t, err)
	defer rpcClient.Close()

	var r string
	require.NoError(t, rpcClient.CallContext(context.Background(), &r, "eth_blockNumber"))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	clk.Advance(5 * time.Second)
	require.NoError(t, rpcClient.CallContext(context.Background(), &r, "eth_blockNumber"))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "within TTL must be a cache hit")

	clk.Advance(12 * time.Second)
	require.NoError(t, rpcClient.CallContext(context.Background(), &r, "eth_blockNumber"))
	require.Equal(t, int32(2), atomic.LoadInt32(&calls), "past TTL must re-query upstream")
}

// Scenario 4: fallback on historical-data error.
func TestScenario_FallbackOnHistoricalError(t *testing.T) {
	primary := jsonUpstream(func(method string, id json.RawMessage, w http.ResponseWriter) {
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32000,"message":"missing trie node"}}`, string(id))
	})
	defer primary.Close()

	var fallbackCalls int32
	fallback := jsonUpstream(func(method string, id json.RawMessage, w http.ResponseWriter) {
		atomic.AddInt32(&fallbackCalls, 1)
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":"0x2386f26fc10000"}`, string(id))
	})
	defer fallback.Close()

	stack := startStack(":18088", newFakeClock(), singleNetwork("mainnet", primary.URL, fallback.URL), "mainnet", "")
	defer stack.shutdown()

	client, err := ethclient.Dial("http://localhost:18088")
	require.NoError(t, err)
	defer client.Close()

	addr := common.HexToAddress("0x0")
	balance, err := client.BalanceAt(context.Background(), addr, big.NewInt(0xE4E1C0))
	require.NoError(t, err)
	require.Equal(t, "0x2386f26fc10000", "0x"+balance.Text(16))
	require.Equal(t, int32(1), atomic.LoadInt32(&fallbackCalls))
}

// Scenario 5: quality-check fallback on an empty/null primary result.
func TestScenario_QualityCheckFallback(t *testing.T) {
	primary := jsonUpstream(func(method string, id json.RawMessage, w http.ResponseWriter) {
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":null}`, string(id))
	})
	defer primary.Close()

	var fallbackCalls int32
	fallback := jsonUpstream(func(method string, id json.RawMessage, w http.ResponseWriter) {
		atomic.AddInt32(&fallbackCalls, 1)
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":"0xdeadbeef"}`, string(id))
	})
	defer fallback.Close()

	stack := startStack(":18089", newFakeClock(), singleNetwork("mainnet", primary.URL, fallback.URL), "mainnet", "")
	defer stack.shutdown()

	rpcClient, err := rpc.Dial("http://localhost:18089")
	require.NoError(t, err)
	defer rpcClient.Close()

	callObj := map[string]string{"to": "0x0000000000000000000000000000000000000000", "data": "0x"}
	var result string
	require.NoError(t, rpcClient.CallContext(context.Background(), &result, "eth_call", callObj, "0xE4E1C0"))
	require.Equal(t, "0xdeadbeef", result)
	require.Equal(t, int32(1), atomic.LoadInt32(&fallbackCalls))
}

// Scenario 6: single-flight coalescing -- 50 concurrent identical eth_getLogs
// calls produce exactly one outbound upstream request.
func TestScenario_SingleFlightCoalescing(t *testing.T) {
	var calls int32
	upstream := jsonUpstream(func(method string, id json.RawMessage, w http.ResponseWriter) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(30 * time.Millisecond) // widen the coalescing window
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":[{"address":"0xabc","topics":["0x1"],"blockNumber":"0x1"}]}`, string(id))
	})
	defer upstream.Close()

	stack := startStack(":18090", newFakeClock(), singleNetwork("mainnet", upstream.URL, ""), "mainnet", "")
	defer stack.shutdown()

	body := `{"jsonrpc":"2.0","method":"eth_getLogs","params":[{"address":"0xabc","fromBlock":"0x1","toBlock":"0x2"}],"id":1}`

	const n = 50
	var wg sync.WaitGroup
	results := make([]string, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			resp, err := http.Post("http://localhost:18090/mainnet", "application/json", bytes.NewBufferString(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			raw, _ := io.ReadAll(resp.Body)
			results[i] = string(raw)
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := 1; i < n; i++ {
		require.JSONEq(t, results[0], results[i])
	}
}

// Bearer-token authentication gates every endpoint except /health.
func TestAuthentication(t *testing.T) {
	upstream := jsonUpstream(func(method string, id json.RawMessage, w http.ResponseWriter) {
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":"0x1"}`, string(id))
	})
	defer upstream.Close()

	stack := startStack(":18091", newFakeClock(), singleNetwork("mainnet", upstream.URL, ""), "mainnet", "secret-token")
	defer stack.shutdown()

	body := `{"jsonrpc":"2.0","method":"eth_chainId","params":[],"id":1}`

	req, _ := http.NewRequest("POST", "http://localhost:18091/", bytes.NewBufferString(body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ = http.NewRequest("POST", "http://localhost:18091/", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
