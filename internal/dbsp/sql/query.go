package sqlconv

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/ariyn/cdcview/internal/dbsp/ir"
)

// ParseQuery parses a view definition of the form
//
//	SELECT <columns|*|t.*> FROM a [alias] JOIN b [alias] ON a.x = b.y [WHERE t.c <op> <literal>]
//
// into an ir.Query. Aliases are resolved to table names; every column in the
// result is qualified with the table it belongs to.
func ParseQuery(query string) (*ir.Query, error) {
	stmt, err := sqlparser.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SQL: %w", err)
	}
	sel, ok := stmt.(*sqlparser.Select)
	if !ok {
		return nil, errors.New("only SELECT supported")
	}
	if len(sel.GroupBy) > 0 || sel.Having != nil {
		return nil, errors.New("GROUP BY/HAVING not supported")
	}
	if sel.Distinct != "" {
		return nil, errors.New("DISTINCT not supported")
	}
	if len(sel.From) != 1 {
		return nil, errors.New("exactly one JOIN between two tables is required")
	}

	join, ok := sel.From[0].(*sqlparser.JoinTableExpr)
	if !ok {
		return nil, errors.New("FROM must be a JOIN of two tables")
	}
	if join.Join != sqlparser.JoinStr {
		return nil, fmt.Errorf("unsupported join type %q (only inner JOIN)", join.Join)
	}

	aliases := make(map[string]string)
	q := &ir.Query{}
	for _, te := range []sqlparser.TableExpr{join.LeftExpr, join.RightExpr} {
		name, alias, err := tableName(te)
		if err != nil {
			return nil, err
		}
		if _, dup := aliases[name]; dup {
			return nil, fmt.Errorf("table %s appears twice", name)
		}
		q.Tables = append(q.Tables, name)
		aliases[name] = name
		if alias != "" {
			aliases[alias] = name
		}
	}

	if join.Condition.On == nil {
		return nil, errors.New("JOIN requires an ON condition")
	}
	if q.Join, err = joinPredicate(join.Condition.On, aliases); err != nil {
		return nil, err
	}

	if sel.Where != nil {
		f, err := filter(sel.Where.Expr, aliases)
		if err != nil {
			return nil, err
		}
		q.Filter = f
	}

	if q.Columns, err = projection(sel.SelectExprs, aliases, q.Tables); err != nil {
		return nil, err
	}
	return q, nil
}

func tableName(te sqlparser.TableExpr) (name, alias string, err error) {
	ate, ok := te.(*sqlparser.AliasedTableExpr)
	if !ok {
		return "", "", errors.New("only plain tables can be joined")
	}
	tn, ok := ate.Expr.(sqlparser.TableName)
	if !ok {
		return "", "", errors.New("subqueries are not supported")
	}
	return tn.Name.String(), ate.As.String(), nil
}

func column(c *sqlparser.ColName, aliases map[string]string) (ir.ColumnRef, error) {
	qualifier := c.Qualifier.Name.String()
	if qualifier == "" {
		return ir.ColumnRef{}, fmt.Errorf("column %s must be qualified with its table", c.Name.String())
	}
	table, ok := aliases[qualifier]
	if !ok {
		return ir.ColumnRef{}, fmt.Errorf("unknown table or alias %s", qualifier)
	}
	return ir.ColumnRef{Table: table, Column: c.Name.String()}, nil
}

func joinPredicate(expr sqlparser.Expr, aliases map[string]string) (ir.JoinPredicate, error) {
	expr = unparen(expr)
	cmp, ok := expr.(*sqlparser.ComparisonExpr)
	if !ok || cmp.Operator != sqlparser.EqualStr {
		return ir.JoinPredicate{}, fmt.Errorf("join condition must be a single equality, got %s", sqlparser.String(expr))
	}
	lc, lok := cmp.Left.(*sqlparser.ColName)
	rc, rok := cmp.Right.(*sqlparser.ColName)
	if !lok || !rok {
		return ir.JoinPredicate{}, errors.New("join condition must compare two columns")
	}
	left, err := column(lc, aliases)
	if err != nil {
		return ir.JoinPredicate{}, err
	}
	right, err := column(rc, aliases)
	if err != nil {
		return ir.JoinPredicate{}, err
	}
	if left.Table == right.Table {
		return ir.JoinPredicate{}, errors.New("join condition must compare columns of different tables")
	}
	return ir.JoinPredicate{Left: left, Right: right}, nil
}

func filter(expr sqlparser.Expr, aliases map[string]string) (*ir.Filter, error) {
	expr = unparen(expr)
	switch expr.(type) {
	case *sqlparser.AndExpr, *sqlparser.OrExpr, *sqlparser.NotExpr:
		return nil, errors.New("WHERE supports a single comparison")
	}
	cmp, ok := expr.(*sqlparser.ComparisonExpr)
	if !ok {
		return nil, fmt.Errorf("unsupported WHERE expression %s", sqlparser.String(expr))
	}
	op, ok := ir.ParseCompareOp(cmp.Operator)
	if !ok {
		return nil, fmt.Errorf("unsupported comparison operator %s", cmp.Operator)
	}

	colExpr, litExpr := cmp.Left, cmp.Right
	if _, isCol := colExpr.(*sqlparser.ColName); !isCol {
		// literal on the left: 'x' < t.c is t.c > 'x'
		colExpr, litExpr = litExpr, colExpr
		op = flip(op)
	}
	c, ok := colExpr.(*sqlparser.ColName)
	if !ok {
		return nil, errors.New("WHERE must compare a column with a literal")
	}
	ref, err := column(c, aliases)
	if err != nil {
		return nil, err
	}
	v, err := literal(litExpr)
	if err != nil {
		return nil, err
	}
	return &ir.Filter{Column: ref, Op: op, Value: v}, nil
}

func flip(op ir.CompareOp) ir.CompareOp {
	switch op {
	case ir.OpGt:
		return ir.OpLt
	case ir.OpLt:
		return ir.OpGt
	case ir.OpGe:
		return ir.OpLe
	case ir.OpLe:
		return ir.OpGe
	}
	return op
}

// literal converts a SQL literal to a string, int64, float64 or bool.
func literal(expr sqlparser.Expr) (any, error) {
	switch v := expr.(type) {
	case *sqlparser.SQLVal:
		switch v.Type {
		case sqlparser.IntVal:
			return strconv.ParseInt(string(v.Val), 10, 64)
		case sqlparser.FloatVal:
			return strconv.ParseFloat(string(v.Val), 64)
		case sqlparser.StrVal:
			return string(v.Val), nil
		}
		return nil, fmt.Errorf("unsupported literal %s", sqlparser.String(v))
	case sqlparser.BoolVal:
		return bool(v), nil
	case *sqlparser.UnaryExpr:
		if v.Operator != sqlparser.UMinusStr {
			break
		}
		inner, err := literal(v.Expr)
		if err != nil {
			return nil, err
		}
		switch n := inner.(type) {
		case int64:
			return -n, nil
		case float64:
			return -n, nil
		}
	case *sqlparser.NullVal:
		return nil, errors.New("comparison with NULL is never true")
	}
	return nil, fmt.Errorf("WHERE must compare a column with a literal, got %s", sqlparser.String(expr))
}

// projection returns nil when every column of both tables is selected.
func projection(exprs sqlparser.SelectExprs, aliases map[string]string, tables []string) ([]ir.ColumnRef, error) {
	var (
		cols  []ir.ColumnRef
		stars = make(map[string]bool)
	)
	for _, expr := range exprs {
		switch e := expr.(type) {
		case *sqlparser.StarExpr:
			qualifier := e.TableName.Name.String()
			if qualifier == "" {
				for _, t := range tables {
					stars[t] = true
				}
				continue
			}
			table, ok := aliases[qualifier]
			if !ok {
				return nil, fmt.Errorf("unknown table or alias %s", qualifier)
			}
			stars[table] = true
			cols = append(cols, ir.ColumnRef{Table: table, Column: "*"})
		case *sqlparser.AliasedExpr:
			c, ok := e.Expr.(*sqlparser.ColName)
			if !ok {
				return nil, errors.New("unsupported SELECT expression (only columns or * supported)")
			}
			if !e.As.IsEmpty() {
				return nil, errors.New("column aliases are not supported")
			}
			ref, err := column(c, aliases)
			if err != nil {
				return nil, err
			}
			cols = append(cols, ref)
		default:
			return nil, errors.New("unsupported SELECT expression type")
		}
	}
	if len(stars) == len(tables) {
		return nil, nil
	}
	return cols, nil
}

func unparen(expr sqlparser.Expr) sqlparser.Expr {
	for {
		p, ok := expr.(*sqlparser.ParenExpr)
		if !ok {
			return expr
		}
		expr = p.Expr
	}
}

// FormatQuery renders q back to SQL, mostly for logs and the plan command.
func FormatQuery(q *ir.Query) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if len(q.Columns) == 0 {
		b.WriteString("*")
	}
	for i, c := range q.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.Qualified())
	}
	if len(q.Tables) == 2 {
		fmt.Fprintf(&b, " FROM %s JOIN %s ON %s = %s", q.Tables[0], q.Tables[1], q.Join.Left, q.Join.Right)
	}
	if f := q.Filter; f != nil {
		v := f.Value
		if s, ok := v.(string); ok {
			v = "'" + strings.ReplaceAll(s, "'", "''") + "'"
		}
		fmt.Fprintf(&b, " WHERE %s %s %v", f.Column, f.Op, v)
	}
	return b.String()
}
