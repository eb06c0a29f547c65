// Package util provides the "optional float" coercion used when reading
// numeric values out of the state store or broker payloads.
package util

import (
	"math"
	"strconv"
	"strings"
)

// ParseOptionalFloat coerces a raw value read from the state store into an
// optional float: non-finite results (NaN, Inf) and unparseable strings
// collapse to nil rather than raising. Accepts float64, float32, int64, int,
// string, []byte, or nil; any other type yields nil.
func ParseOptionalFloat(raw interface{}) *float64 {
	if raw == nil {
		return nil
	}

	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int64:
		f = float64(v)
	case int:
		f = float64(v)
	case []byte:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(string(v)), 64)
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
