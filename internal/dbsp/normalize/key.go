package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/ariyn/cdcview/internal/dbsp/types"
)

var errNilKey = errors.New("key value is null")

// ResolveKey maps a scalar to a Key. Integral numbers pass through; strings,
// booleans and fractional numbers are hashed with xxhash64 over their textual form.
func ResolveKey(v any) (types.Key, error) {
	switch x := v.(type) {
	case nil:
		return 0, errNilKey
	case int:
		return types.Key(x), nil
	case int8:
		return types.Key(x), nil
	case int16:
		return types.Key(x), nil
	case int32:
		return types.Key(x), nil
	case int64:
		return types.Key(x), nil
	case uint:
		return types.Key(x), nil
	case uint8:
		return types.Key(x), nil
	case uint16:
		return types.Key(x), nil
	case uint32:
		return types.Key(x), nil
	case uint64:
		return types.Key(x), nil
	case float32:
		return resolveFloat(float64(x)), nil
	case float64:
		return resolveFloat(x), nil
	case json.Number:
		if i, err := strconv.ParseInt(x.String(), 10, 64); err == nil {
			return types.Key(i), nil
		}
		if u, err := strconv.ParseUint(x.String(), 10, 64); err == nil {
			return types.Key(u), nil
		}
		return hashString(x.String()), nil
	case string:
		return hashString(x), nil
	case bool:
		return hashString(strconv.FormatBool(x)), nil
	case []byte:
		return types.Key(xxhash.Sum64(x)), nil
	default:
		return 0, fmt.Errorf("unsupported key type %T", v)
	}
}

// ResolveCompositeKey hashes several key values into one Key. A single value
// resolves exactly like ResolveKey.
func ResolveCompositeKey(values []any) (types.Key, error) {
	switch len(values) {
	case 0:
		return 0, errNilKey
	case 1:
		return ResolveKey(values[0])
	}
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v == nil {
			return 0, errNilKey
		}
		parts = append(parts, fmt.Sprint(v))
	}
	return hashString(strings.Join(parts, "\x00")), nil
}

func resolveFloat(f float64) types.Key {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<63 {
		return types.Key(int64(f))
	}
	return hashString(strconv.FormatFloat(f, 'g', -1, 64))
}

func hashString(s string) types.Key {
	return types.Key(xxhash.Sum64String(s))
}
