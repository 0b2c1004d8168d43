package runner

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Limits bound one command invocation. Zero means unset.
type Limits struct {
	MaxRuntime     time.Duration
	MaxOutputBytes int64
}

var (
	runtimeKeys = []string{"max_runtime_ms", "maxRuntimeMs"}
	outputKeys  = []string{"max_output_bytes", "maxOutputBytes"}
)

// ResolveLimits reads limits from an execution context. The "limits" sub-map
// wins over flat keys. Integers, integral floats and numeric strings are
// accepted; anything else, or a value <= 0, counts as unset.
func ResolveLimits(execCtx map[string]any) Limits {
	sub := asMap(execCtx["limits"])
	lookup := func(keys []string) int64 {
		for _, src := range []map[string]any{sub, execCtx} {
			for _, k := range keys {
				if v, ok := positive(src[k]); ok {
					return v
				}
			}
		}
		return 0
	}
	return Limits{
		MaxRuntime:     time.Duration(lookup(runtimeKeys)) * time.Millisecond,
		MaxOutputBytes: lookup(outputKeys),
	}
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out
	case map[string]int:
		out := make(map[string]any, len(m))
		for k, n := range m {
			out[k] = n
		}
		return out
	}
	return nil
}

func positive(v any) (int64, bool) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, false
		}
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		n = int64(x)
	case float64:
		if x != math.Trunc(x) || x > math.MaxInt64 {
			return 0, false
		}
		n = int64(x)
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return 0, false
		}
		n = i
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, false
		}
		n = i
	default:
		return 0, false
	}
	return n, n > 0
}
