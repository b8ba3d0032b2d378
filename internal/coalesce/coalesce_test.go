package coalesce_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clems4ever/evmcacheproxy/internal/coalesce"
	"github.com/clems4ever/evmcacheproxy/internal/rpctypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup_SingleFlight(t *testing.T) {
	g := coalesce.New()
	var calls int32

	producer := func() (*rpctypes.Response, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(30 * time.Millisecond)
		return &rpctypes.Response{JSONRPC: "2.0", Result: []byte(`"0x1"`), ID: []byte("0")}, nil
	}

	const n = 50
	var wg sync.WaitGroup
	results := make([]*rpctypes.Response, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := g.Join("key", []byte("1"), producer)
			require.NoError(t, err)
			results[i] = resp
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "exactly one upstream attempt should occur")
	for _, r := range results {
		assert.Equal(t, `"0x1"`, string(r.Result))
		assert.Equal(t, []byte("1"), []byte(r.ID))
	}
}

func TestGroup_RewritesIDPerCaller(t *testing.T) {
	g := coalesce.New()
	producer := func() (*rpctypes.Response, error) {
		time.Sleep(10 * time.Millisecond)
		return &rpctypes.Response{JSONRPC: "2.0", Result: []byte(`"x"`), ID: []byte("99")}, nil
	}

	var wg sync.WaitGroup
	ids := []string{"1", "2", "3"}
	got := make([]string, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			resp, err := g.Join("shared-key", []byte(id), producer)
			require.NoError(t, err)
			got[i] = string(resp.ID)
		}(i, id)
	}
	wg.Wait()

	assert.ElementsMatch(t, ids, got)
}

func TestGroup_DifferentKeysRunIndependently(t *testing.T) {
	g := coalesce.New()
	var calls int32
	producer := func() (*rpctypes.Response, error) {
		atomic.AddInt32(&calls, 1)
		return &rpctypes.Response{JSONRPC: "2.0", Result: []byte(`"x"`), ID: []byte("0")}, nil
	}

	_, err1 := g.Join("a", []byte("1"), producer)
	_, err2 := g.Join("b", []byte("1"), producer)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGroup_ErrorBroadcastToAllAwaiters(t *testing.T) {
	g := coalesce.New()
	boom := assertErr{"boom"}
	producer := func() (*rpctypes.Response, error) {
		time.Sleep(10 * time.Millisecond)
		return nil, boom
	}

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := g.Join("key", []byte("1"), producer)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.Equal(t, boom, err)
	}
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
