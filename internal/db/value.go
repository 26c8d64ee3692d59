package db

import (
	"math"
	"strings"
)

// normalizeValue turns a scanned driver value into something encoding/json
// renders without loss or error.
func normalizeValue(val any, databaseType string) any {
	switch v := val.(type) {
	case nil:
		return nil
	case []byte:
		if strings.EqualFold(databaseType, "BYTEA") {
			b := make([]byte, len(v))
			copy(b, v)
			return b
		}
		return string(v)
	case float64:
		return normalizeFloat(v)
	case float32:
		return normalizeFloat(float64(v))
	default:
		return val
	}
}

// JSON has no encoding for NaN or the infinities; PostgreSQL spells them
// like this in text output.
func normalizeFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	default:
		return f
	}
}
