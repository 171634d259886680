package toolexecutor

import (
	"encoding/json"
	"fmt"
	"math"
)

// DecodeArguments parses the JSON object a model produced for a tool call.
// An empty string decodes to an empty map.
func DecodeArguments(raw string) (map[string]interface{}, error) {
	args := map[string]interface{}{}
	if raw == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

// StringArg returns params[key] when it is a string.
func StringArg(params map[string]interface{}, key string) (string, bool) {
	s, ok := params[key].(string)
	return s, ok
}

// IntArg returns params[key] as an int, or def when absent. JSON numbers
// arrive as float64; fractional values are rejected.
func IntArg(params map[string]interface{}, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return int(i), nil
	default:
		return 0, fmt.Errorf("%s must be an integer", key)
	}
}

// FloatArg returns params[key] as a float64, or def when absent.
func FloatArg(params map[string]interface{}, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
}

// BoolArg returns params[key] as a bool, or def when absent.
func BoolArg(params map[string]interface{}, key string, def bool) bool {
	if b, ok := params[key].(bool); ok {
		return b
	}
	return def
}
