package bridge

import (
	"fmt"
	"math"

	"github.com/rexliu/phonebridge/pkg/rpc"
)

// ValidationError marks a well-formed request with a bad parameter. The
// message is user-facing and names the offending field or value.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// numberParam extracts a required numeric field. Decoded JSON numbers arrive
// as float64; plain ints are accepted for in-process callers.
func numberParam(params rpc.Params, key string) (float64, error) {
	v, ok := params[key]
	if !ok {
		return 0, validationf("Field '%s' is required", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, validationf("Field '%s' must be a number", key)
	}
}

// stringParam extracts a required string field.
func stringParam(params rpc.Params, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", validationf("Field '%s' is required", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", validationf("Field '%s' must be a string", key)
	}
	return s, nil
}

// boolParam extracts an optional boolean field.
func boolParam(params rpc.Params, key string, def bool) (bool, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, validationf("Field '%s' must be a boolean", key)
	}
	return b, nil
}

// countParam extracts the optional tap repetition count.
func countParam(params rpc.Params) (int, error) {
	v, ok := params["count"]
	if !ok {
		return 1, nil
	}
	var count int
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, validationf("count must be an integer")
		}
		count = int(n)
	case int:
		count = n
	default:
		return 0, validationf("count must be an integer")
	}
	if count < 1 {
		return 0, validationf("count must be >= 1")
	}
	return count, nil
}
