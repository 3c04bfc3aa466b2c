package op

import (
	"encoding/json"
	"testing"

	"github.com/ariyn/cdcview/internal/dbsp/ir"
	"github.com/ariyn/cdcview/internal/dbsp/types"
)

func TestCompileFilter(t *testing.T) {
	rec := types.Record{
		"orders.value":  "x",
		"orders.amount": float64(125.5),
		"orders.qty":    json.Number("3"),
		"orders.paid":   true,
		"orders.note":   nil,
	}
	col := func(c string) ir.ColumnRef { return ir.ColumnRef{Table: "orders", Column: c} }

	cases := []struct {
		name   string
		filter *ir.Filter
		want   bool
	}{
		{"nil filter", nil, true},
		{"string eq", &ir.Filter{Column: col("value"), Op: ir.OpEq, Value: "x"}, true},
		{"string eq miss", &ir.Filter{Column: col("value"), Op: ir.OpEq, Value: "y"}, false},
		{"string ne", &ir.Filter{Column: col("value"), Op: ir.OpNe, Value: "y"}, true},
		{"number eq raw", &ir.Filter{Column: col("qty"), Op: ir.OpEq, Value: int64(3)}, true},
		{"float gt", &ir.Filter{Column: col("amount"), Op: ir.OpGt, Value: int64(100)}, true},
		{"float le", &ir.Filter{Column: col("amount"), Op: ir.OpLe, Value: float64(125.5)}, true},
		{"float lt", &ir.Filter{Column: col("amount"), Op: ir.OpLt, Value: "100"}, false},
		{"json number ge", &ir.Filter{Column: col("qty"), Op: ir.OpGe, Value: int64(3)}, true},
		{"bool eq", &ir.Filter{Column: col("paid"), Op: ir.OpEq, Value: true}, true},
		{"ordered on text fails closed", &ir.Filter{Column: col("value"), Op: ir.OpGt, Value: int64(1)}, false},
		{"missing column", &ir.Filter{Column: col("nope"), Op: ir.OpNe, Value: "x"}, false},
		{"null column", &ir.Filter{Column: col("note"), Op: ir.OpNe, Value: "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CompileFilter(tc.filter)(rec); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
