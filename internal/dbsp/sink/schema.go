package sink

import (
	"encoding/json"
	"math"

	"github.com/ariyn/cdcview/internal/dbsp/types"
)

const (
	TypeInteger = "INTEGER"
	TypeDouble  = "DOUBLE PRECISION"
	TypeText    = "TEXT"
	TypeBoolean = "BOOLEAN"
)

// ColumnType maps a record value to a column type. ok is false for NULL and
// for values with no column type; those columns are left out of the schema.
func ColumnType(v any) (typ string, ok bool) {
	switch x := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInteger, true
	case float32:
		return floatType(float64(x)), true
	case float64:
		return floatType(x), true
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return TypeInteger, true
		}
		if f, err := x.Float64(); err == nil {
			return floatType(f), true
		}
		return "", false
	case string:
		return TypeText, true
	case bool:
		return TypeBoolean, true
	}
	return "", false
}

func floatType(f float64) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) {
		return TypeInteger
	}
	return TypeDouble
}

// InferColumns derives column definitions from a record, in column order.
func InferColumns(r types.Record) []ColumnDef {
	var cols []ColumnDef
	for _, name := range r.Columns() {
		if typ, ok := ColumnType(r[name]); ok {
			cols = append(cols, ColumnDef{Name: name, Type: typ})
		}
	}
	return cols
}
