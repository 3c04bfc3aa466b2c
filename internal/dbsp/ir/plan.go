package ir

// Declarative description of a view: two tables, one equi-join predicate,
// an optional projection and an optional single-column filter.

import "strings"

// ColumnRef names a column of a table
type ColumnRef struct {
	Table  string
	Column string
}

// Qualified returns "table.column", the name the column carries in output records
func (c ColumnRef) Qualified() string {
	if c.Table == "" {
		return c.Column
	}
	return c.Table + "." + c.Column
}

func (c ColumnRef) String() string { return c.Qualified() }

// ParseColumnRef splits "table.column"; a bare name has an empty table
func ParseColumnRef(s string) ColumnRef {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "."); i >= 0 {
		return ColumnRef{Table: s[:i], Column: s[i+1:]}
	}
	return ColumnRef{Column: s}
}

// JoinPredicate is the equality Left = Right between the two tables
type JoinPredicate struct {
	Left  ColumnRef
	Right ColumnRef
}

// CompareOp is a filter comparison operator
type CompareOp string

const (
	OpEq CompareOp = "="
	OpNe CompareOp = "!="
	OpGt CompareOp = ">"
	OpLt CompareOp = "<"
	OpGe CompareOp = ">="
	OpLe CompareOp = "<="
)

// ParseCompareOp accepts the six supported operators plus "<>" for "!="
func ParseCompareOp(s string) (CompareOp, bool) {
	switch strings.TrimSpace(s) {
	case "=", "==":
		return OpEq, true
	case "!=", "<>":
		return OpNe, true
	case ">":
		return OpGt, true
	case "<":
		return OpLt, true
	case ">=":
		return OpGe, true
	case "<=":
		return OpLe, true
	}
	return "", false
}

// Filter compares one column against a literal
type Filter struct {
	Column ColumnRef
	Op     CompareOp
	// Value is a string, float64, int64 or bool literal
	Value any
}

// Query is the view definition handed over by the SQL front-end
type Query struct {
	// Tables lists the joined tables in FROM order
	Tables []string
	// Columns is the projection; empty means every column
	Columns []ColumnRef
	Join    JoinPredicate
	Filter  *Filter
}
