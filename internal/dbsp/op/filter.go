package op

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ariyn/cdcview/internal/dbsp/ir"
	"github.com/ariyn/cdcview/internal/dbsp/types"
)

// Predicate decides whether a merged output record belongs to the view
type Predicate func(types.Record) bool

// CompileFilter builds a Predicate for f. A nil filter accepts everything.
//
// Ordered comparisons parse both operands as float64 and fail when either
// does not parse. = and != compare the raw textual form of the scalars.
// A column missing from the record (or NULL) never matches.
func CompileFilter(f *ir.Filter) Predicate {
	if f == nil {
		return func(types.Record) bool { return true }
	}
	col := f.Column.Qualified()
	lit := f.Value

	switch f.Op {
	case ir.OpEq, ir.OpNe:
		want := scalarString(lit)
		negate := f.Op == ir.OpNe
		return func(r types.Record) bool {
			v, ok := r[col]
			if !ok || v == nil {
				return false
			}
			return (scalarString(v) == want) != negate
		}
	case ir.OpGt, ir.OpLt, ir.OpGe, ir.OpLe:
		want, litOK := toFloat64(lit)
		cmp := f.Op
		return func(r types.Record) bool {
			if !litOK {
				return false
			}
			v, ok := r[col]
			if !ok || v == nil {
				return false
			}
			got, ok := toFloat64(v)
			if !ok {
				return false
			}
			switch cmp {
			case ir.OpGt:
				return got > want
			case ir.OpLt:
				return got < want
			case ir.OpGe:
				return got >= want
			default:
				return got <= want
			}
		}
	}
	return func(types.Record) bool { return false }
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func toFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
