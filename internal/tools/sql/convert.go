package sqltools

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/google/jsonschema-go/jsonschema"
)

func asString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// asInt64Ptr maps a nullable integer column value to a pointer, nil for NULL.
func asInt64Ptr(v any) (*int64, error) {
	var n int64
	switch v := v.(type) {
	case nil:
		return nil, nil
	case int64:
		n = v
	case int32:
		n = int64(v)
	case int:
		n = int64(v)
	case float64:
		n = int64(v)
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse integer value %q: %w", v, err)
		}
		n = parsed
	default:
		return nil, fmt.Errorf("unexpected integer value of type %T", v)
	}
	return &n, nil
}

// allowNull widens a generated property schema so JSON null validates.
func allowNull(s *jsonschema.Schema) {
	if s == nil {
		return
	}
	if s.Type != "" {
		s.Types = []string{"null", s.Type}
		s.Type = ""
		return
	}
	if len(s.Types) > 0 && !slices.Contains(s.Types, "null") {
		s.Types = append([]string{"null"}, s.Types...)
	}
}
