package sink

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the statement type.
type Kind int

const (
	KindCreateTable Kind = iota
	KindInsert
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindCreateTable:
		return "create"
	case KindInsert:
		return "insert"
	case KindDelete:
		return "delete"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ColumnDef is one column of a CREATE TABLE.
type ColumnDef struct {
	Name string
	Type string
}

// Value pairs a column with a value. Inserts use it for the row, deletes for
// the equality predicates of the WHERE clause.
type Value struct {
	Column string
	Value  any
}

// Statement is a sink statement kept in structured form. It is rendered to
// SQL text only when it reaches an executor.
type Statement struct {
	Kind    Kind
	Table   string
	Columns []ColumnDef
	Values  []Value
	Where   []Value
}

func CreateTable(table string, columns []ColumnDef) Statement {
	return Statement{Kind: KindCreateTable, Table: table, Columns: columns}
}

func Insert(table string, values []Value) Statement {
	return Statement{Kind: KindInsert, Table: table, Values: values}
}

func Delete(table string, where []Value) Statement {
	return Statement{Kind: KindDelete, Table: table, Where: where}
}

// SQL renders the statement, terminated by a semicolon.
func (s Statement) SQL() string {
	var b strings.Builder
	switch s.Kind {
	case KindCreateTable:
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", QuoteIdent(s.Table))
		for i, c := range s.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s %s", QuoteIdent(c.Name), c.Type)
		}
		b.WriteString(");")
	case KindInsert:
		fmt.Fprintf(&b, "INSERT INTO %s (", QuoteIdent(s.Table))
		for i, v := range s.Values {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(QuoteIdent(v.Column))
		}
		b.WriteString(") VALUES (")
		for i, v := range s.Values {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(Literal(v.Value))
		}
		b.WriteString(");")
	case KindDelete:
		fmt.Fprintf(&b, "DELETE FROM %s WHERE ", QuoteIdent(s.Table))
		for i, v := range s.Where {
			if i > 0 {
				b.WriteString(" AND ")
			}
			if v.Value == nil {
				fmt.Fprintf(&b, "%s IS NULL", QuoteIdent(v.Column))
				continue
			}
			fmt.Fprintf(&b, "%s = %s", QuoteIdent(v.Column), Literal(v.Value))
		}
		b.WriteString(";")
	}
	return b.String()
}

func (s Statement) String() string { return s.SQL() }

// QuoteIdent quotes a table or column name. Dotted names such as
// "customers.id" stay one identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Literal renders v as a SQL literal. Values of unknown types are rendered
// as text.
func Literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return quoteString(x)
	case []byte:
		return quoteString(string(x))
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int8:
		return strconv.FormatInt(int64(x), 10)
	case int16:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return formatFloat(float64(x))
	case float64:
		return formatFloat(x)
	case json.Number:
		if _, err := x.Float64(); err != nil {
			return quoteString(x.String())
		}
		return x.String()
	}
	return quoteString(fmt.Sprint(v))
}

func formatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "NULL"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
