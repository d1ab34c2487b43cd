package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Backend stores non-secret keys in the platform's native mechanism. Get
// returns the value already typed for the key: int, bool, time.Duration or
// string.
type Backend interface {
	Get(key string, typ keyType) (v any, ok bool, err error)
	Set(key string, v any) error
	Delete(key string) error
}

// errBadValue marks a stored value that cannot be read as its key's type.
// Loading skips such keys with a warning.
var errBadValue = errors.New("bad config value")

// coerce converts a stored value to typ. Strings are parsed, JSON numbers are
// accepted for ints and as seconds for durations. An empty string for a
// non-string key reads as unset.
func coerce(key string, typ keyType, v any) (any, bool, error) {
	bad := func(err error) (any, bool, error) {
		return nil, true, fmt.Errorf("%w: %s=%v: %v", errBadValue, key, v, err)
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" && typ != kString {
			return nil, false, nil
		}
		switch typ {
		case kInt:
			i, err := strconv.Atoi(s)
			if err != nil {
				return bad(err)
			}
			return i, true, nil
		case kBool:
			b, err := strconv.ParseBool(s)
			if err != nil {
				return bad(err)
			}
			return b, true, nil
		case kDuration:
			d, err := time.ParseDuration(s)
			if err != nil {
				return bad(err)
			}
			return d, true, nil
		default:
			return s, true, nil
		}
	}

	switch typ {
	case kInt:
		switch n := v.(type) {
		case int:
			return n, true, nil
		case float64:
			if n < math.MinInt || n > math.MaxInt || n != math.Trunc(n) {
				return bad(errors.New("not an integer"))
			}
			return int(n), true, nil
		}
	case kBool:
		if b, ok := v.(bool); ok {
			return b, true, nil
		}
	case kDuration:
		switch d := v.(type) {
		case time.Duration:
			return d, true, nil
		case float64:
			return time.Duration(d * float64(time.Second)), true, nil
		}
	case kString:
		return fmt.Sprint(v), true, nil
	}
	return bad(fmt.Errorf("unexpected %T", v))
}
