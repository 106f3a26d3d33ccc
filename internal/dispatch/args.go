package dispatch

import (
	"fmt"
	"strings"

	"main/internal/schema"
)

func invalidArgs(format string, args ...any) *schema.CodedError {
	return schema.NewCodedError(schema.CodeInvalidArgs, fmt.Sprintf(format, args...))
}

func argString(args map[string]any, key string) string {
	if s, ok := args[key].(string); ok {
		return s
	}
	return ""
}

// argFloat tolerates the integer widths msgpack decoders produce for whole
// numbers.
func argFloat(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

func argInt(args map[string]any, key string) (int, bool) {
	f, ok := argFloat(args, key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func argBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// argStrings accepts both []string and the []any msgpack yields.
func argStrings(args map[string]any, key string) ([]string, bool) {
	switch v := args[key].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// argMap accepts both map[string]any and the map[any]any some msgpack
// decoders yield for nested objects.
func argMap(args map[string]any, key string) (map[string]any, bool) {
	switch v := args[key].(type) {
	case map[string]any:
		return v, true
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			s, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[s] = item
		}
		return out, true
	default:
		return nil, false
	}
}

func argSymbol(args map[string]any) (string, *schema.CodedError) {
	symbol := strings.ToUpper(strings.TrimSpace(argString(args, "symbol")))
	if symbol == "" {
		return "", invalidArgs("symbol is required")
	}
	return symbol, nil
}
