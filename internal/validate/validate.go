// Package validate performs the structural/semantic checks a result must
// pass before it is allowed into the cache (§4.6). For eth_getLogs this
// samples a bounded number of entries against the request's filter instead
// of scanning the whole array, keeping validation cost sub-linear in
// result size for the common large-log case.
//
// No direct teacher precedent exists for this package (the teacher never
// inspected log payloads); grounded on go-ethereum's log/filter field
// names for what a log entry and an eth_getLogs filter look like.
package validate

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/clems4ever/evmcacheproxy/internal/rpctypes"
)

// logEntry is the subset of an eth_getLogs result entry the validator
// inspects.
type logEntry struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	BlockNumber string   `json:"blockNumber"`
}

// filter is the subset of an eth_getLogs request filter the validator
// checks entries against.
type filter struct {
	Address   string   `json:"address"`
	FromBlock string   `json:"fromBlock"`
	ToBlock   string   `json:"toBlock"`
	Topics    []string `json:"topics"`
}

// Valid reports whether resp's result is acceptable to cache for method
// called with params. A JSON-RPC error response is never valid to cache
// (callers should not reach here with one, but the check is defensive).
func Valid(method string, params []byte, resp *rpctypes.Response) bool {
	if resp == nil || !resp.IsSuccess() {
		return false
	}

	if method == "eth_getLogs" {
		return validGetLogs(params, resp.Result)
	}

	return validGeneric(resp.Result)
}

func validGeneric(result json.RawMessage) bool {
	if len(result) == 0 {
		return false
	}
	trimmed := strings.TrimSpace(string(result))
	return trimmed != "" && trimmed != "null"
}

func validGetLogs(params, result json.RawMessage) bool {
	if len(result) == 0 {
		return false
	}

	var logs []logEntry
	if err := json.Unmarshal(result, &logs); err != nil {
		// Not an array at all: structurally invalid for this method.
		return false
	}
	if len(logs) == 0 {
		return true // empty arrays are always considered valid
	}

	var f filter
	if args, err := rpctypes.ParseParams(params); err == nil && len(args) > 0 {
		if raw, err := json.Marshal(args[0]); err == nil {
			_ = json.Unmarshal(raw, &f)
		}
	}

	for _, idx := range sampleIndices(len(logs)) {
		if !logMatchesFilter(logs[idx], f) {
			return false
		}
	}
	return true
}

// sampleIndices returns the indices to inspect: first+last for small
// arrays, first+middle+last for larger ones.
func sampleIndices(n int) []int {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []int{0}
	}
	if n <= 4 {
		return []int{0, n - 1}
	}
	return []int{0, n / 2, n - 1}
}

func logMatchesFilter(l logEntry, f filter) bool {
	if f.Address != "" && !strings.EqualFold(l.Address, f.Address) {
		return false
	}
	if len(f.Topics) > 0 && f.Topics[0] != "" {
		if len(l.Topics) == 0 || !strings.EqualFold(l.Topics[0], f.Topics[0]) {
			return false
		}
	}
	if isFixedHex(f.FromBlock) && isFixedHex(f.ToBlock) {
		if !blockInRange(l.BlockNumber, f.FromBlock, f.ToBlock) {
			return false
		}
	}
	return true
}

func isFixedHex(s string) bool {
	return strings.HasPrefix(strings.ToLower(s), "0x")
}

func blockInRange(blockHex, fromHex, toHex string) bool {
	block, err1 := parseHexUint(blockHex)
	from, err2 := parseHexUint(fromHex)
	to, err3 := parseHexUint(toHex)
	if err1 != nil || err2 != nil || err3 != nil {
		// Can't parse: don't veto on a malformed comparison we can't trust.
		return true
	}
	return block >= from && block <= to
}

func parseHexUint(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseUint(s, 16, 64)
}
