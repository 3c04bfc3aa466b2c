package sqlconv

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/ariyn/cdcview/internal/dbsp/types"
)

// ParseDML converts an INSERT, UPDATE or DELETE statement into raw change
// events at logical time xid. It is how scripted scenarios feed the
// pipeline without a database.
//
// DELETE and UPDATE take the row identity from a WHERE clause made of
// column = literal terms joined by AND. UPDATE has no access to the old
// row, so the new row is the WHERE columns overlaid with the SET columns:
// the statement has to name every column of the table.
func ParseDML(sql string, xid uint64) ([]types.RawChange, error) {
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SQL: %w", err)
	}

	switch stmt := stmt.(type) {
	case *sqlparser.Insert:
		return parseInsert(stmt, xid)
	case *sqlparser.Delete:
		return parseDelete(stmt, xid)
	case *sqlparser.Update:
		return parseUpdate(stmt, xid)
	default:
		return nil, fmt.Errorf("unsupported SQL statement type: %T", stmt)
	}
}

// ParseMultiDML parses statements separated by semicolons. Each statement is
// its own transaction; xids count up from first.
func ParseMultiDML(sql string, first uint64) ([]types.RawChange, error) {
	pieces, err := sqlparser.SplitStatementToPieces(sql)
	if err != nil {
		return nil, fmt.Errorf("failed to split SQL: %w", err)
	}

	var all []types.RawChange
	xid := first
	for _, stmt := range pieces {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		changes, err := ParseDML(stmt, xid)
		if err != nil {
			return nil, err
		}
		all = append(all, changes...)
		xid++
	}
	return all, nil
}

func parseInsert(stmt *sqlparser.Insert, xid uint64) ([]types.RawChange, error) {
	table := stmt.Table.Name.String()
	if len(stmt.Columns) == 0 {
		return nil, fmt.Errorf("INSERT INTO %s must list its columns", table)
	}
	rows, ok := stmt.Rows.(sqlparser.Values)
	if !ok {
		return nil, fmt.Errorf("unsupported INSERT type: %T", stmt.Rows)
	}

	var changes []types.RawChange
	for _, tuple := range rows {
		if len(tuple) != len(stmt.Columns) {
			return nil, fmt.Errorf("INSERT INTO %s: %d columns but %d values", table, len(stmt.Columns), len(tuple))
		}
		c := types.RawChange{Table: table, XID: xid, Action: "I"}
		for i, expr := range tuple {
			value, err := extractValue(expr)
			if err != nil {
				return nil, fmt.Errorf("failed to extract value: %w", err)
			}
			c.Columns = append(c.Columns, types.Column{Name: stmt.Columns[i].String(), Value: value})
		}
		changes = append(changes, c)
	}
	return changes, nil
}

func parseDelete(stmt *sqlparser.Delete, xid uint64) ([]types.RawChange, error) {
	table := sqlparser.String(stmt.TableExprs)
	if stmt.Where == nil {
		return nil, fmt.Errorf("DELETE FROM %s requires a WHERE clause naming the row", table)
	}
	identity, err := equalities(stmt.Where.Expr)
	if err != nil {
		return nil, err
	}
	return []types.RawChange{{Table: table, XID: xid, Action: "D", Identity: identity}}, nil
}

func parseUpdate(stmt *sqlparser.Update, xid uint64) ([]types.RawChange, error) {
	table := sqlparser.String(stmt.TableExprs)
	if stmt.Where == nil {
		return nil, fmt.Errorf("UPDATE %s requires a WHERE clause naming the row", table)
	}
	identity, err := equalities(stmt.Where.Expr)
	if err != nil {
		return nil, err
	}

	set := make(map[string]any, len(stmt.Exprs))
	var order []string
	for _, expr := range stmt.Exprs {
		name := expr.Name.Name.String()
		value, err := extractValue(expr.Expr)
		if err != nil {
			return nil, fmt.Errorf("failed to extract update value: %w", err)
		}
		if _, seen := set[name]; !seen {
			order = append(order, name)
		}
		set[name] = value
	}

	c := types.RawChange{Table: table, XID: xid, Action: "U", Identity: identity}
	for _, id := range identity {
		if v, ok := set[id.Name]; ok {
			c.Columns = append(c.Columns, types.Column{Name: id.Name, Value: v})
			delete(set, id.Name)
			continue
		}
		c.Columns = append(c.Columns, id)
	}
	for _, name := range order {
		if v, ok := set[name]; ok {
			c.Columns = append(c.Columns, types.Column{Name: name, Value: v})
		}
	}
	return []types.RawChange{c}, nil
}

// equalities flattens "a = 1 AND b = 'x'" into identity columns.
func equalities(expr sqlparser.Expr) ([]types.Column, error) {
	switch e := expr.(type) {
	case *sqlparser.ParenExpr:
		return equalities(e.Expr)
	case *sqlparser.AndExpr:
		left, err := equalities(e.Left)
		if err != nil {
			return nil, err
		}
		right, err := equalities(e.Right)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil
	case *sqlparser.ComparisonExpr:
		col, ok := e.Left.(*sqlparser.ColName)
		if !ok || e.Operator != sqlparser.EqualStr {
			break
		}
		value, err := extractValue(e.Right)
		if err != nil {
			return nil, err
		}
		return []types.Column{{Name: col.Name.String(), Value: value}}, nil
	}
	return nil, fmt.Errorf("WHERE must be column = literal terms joined by AND, got %s", sqlparser.String(expr))
}

// extractValue extracts Go value from sqlparser.Expr
func extractValue(expr sqlparser.Expr) (any, error) {
	switch v := expr.(type) {
	case *sqlparser.SQLVal:
		switch v.Type {
		case sqlparser.IntVal:
			return strconv.ParseInt(string(v.Val), 10, 64)
		case sqlparser.FloatVal:
			return strconv.ParseFloat(string(v.Val), 64)
		default:
			return string(v.Val), nil
		}
	case *sqlparser.NullVal:
		return nil, nil
	case sqlparser.BoolVal:
		return bool(v), nil
	case *sqlparser.UnaryExpr:
		if v.Operator == sqlparser.UMinusStr {
			inner, err := extractValue(v.Expr)
			if err != nil {
				return nil, err
			}
			switch n := inner.(type) {
			case int64:
				return -n, nil
			case float64:
				return -n, nil
			}
		}
	}
	return nil, fmt.Errorf("unsupported value expression %s", sqlparser.String(expr))
}
