package ir

import (
	"fmt"

	"github.com/ariyn/cdcview/internal/dbsp/schema"
)

// JoinSide is one table of a resolved join
type JoinSide struct {
	Table string
	// KeyColumns is the primary key of the table
	KeyColumns []string
	// JoinColumn is the column used in the join predicate. On the root side
	// it is the primary key; on the foreign side it is normalized as the
	// foreign key.
	JoinColumn string
}

// JoinPlan is a query resolved against key metadata
type JoinPlan struct {
	// Root is the side joined on its own primary key
	Root JoinSide
	// Foreign is the side whose join column references Root
	Foreign JoinSide
	// Columns is the output projection in "table.column" form; nil keeps every column
	Columns []string
	Filter  *Filter
	// Warnings are non-fatal mismatches between the query and declared keys
	Warnings []string
}

// ForeignKeyColumn returns the foreign key column to request when normalizing table
func (p *JoinPlan) ForeignKeyColumn(table string) string {
	if table == p.Foreign.Table {
		return p.Foreign.JoinColumn
	}
	return ""
}

// Side returns the side for table
func (p *JoinPlan) Side(table string) (JoinSide, bool) {
	switch table {
	case p.Root.Table:
		return p.Root, true
	case p.Foreign.Table:
		return p.Foreign, true
	}
	return JoinSide{}, false
}

// Tables returns the root and foreign table names
func (p *JoinPlan) Tables() []string {
	return []string{p.Root.Table, p.Foreign.Table}
}

// KeyColumns returns the qualified primary key columns of both sides,
// root first. Output retractions are keyed by these columns.
func (p *JoinPlan) KeyColumns() []string {
	var cols []string
	for _, c := range p.Root.KeyColumns {
		cols = append(cols, ColumnRef{Table: p.Root.Table, Column: c}.Qualified())
	}
	for _, c := range p.Foreign.KeyColumns {
		cols = append(cols, ColumnRef{Table: p.Foreign.Table, Column: c}.Qualified())
	}
	return cols
}

// ResolveJoin decides which side of q is the root and which is the foreign
// side. The root is the side whose join column is its single-column primary
// key; when both qualify the left side of the predicate wins.
func ResolveJoin(q *Query, cat schema.Catalog) (*JoinPlan, error) {
	if q == nil {
		return nil, fmt.Errorf("query is nil")
	}
	if len(q.Tables) != 2 {
		return nil, fmt.Errorf("expected a join of exactly 2 tables, got %d", len(q.Tables))
	}
	left, right := q.Join.Left, q.Join.Right
	if left.Table == "" || right.Table == "" {
		return nil, fmt.Errorf("join predicate columns must be table-qualified")
	}
	if left.Table == right.Table {
		return nil, fmt.Errorf("self joins are not supported")
	}
	for _, c := range []ColumnRef{left, right} {
		if !containsString(q.Tables, c.Table) {
			return nil, fmt.Errorf("join predicate references unknown table %s", c.Table)
		}
	}

	var root, foreign ColumnRef
	switch {
	case isSinglePrimaryKey(cat, left):
		root, foreign = left, right
	case isSinglePrimaryKey(cat, right):
		root, foreign = right, left
	default:
		return nil, fmt.Errorf("join predicate %s = %s does not reference a primary key", left, right)
	}

	foreignKey := cat.PrimaryKey(foreign.Table)
	if len(foreignKey) == 0 {
		return nil, fmt.Errorf("table %s has no primary key", foreign.Table)
	}

	plan := &JoinPlan{
		Root:    JoinSide{Table: root.Table, KeyColumns: []string{root.Column}, JoinColumn: root.Column},
		Foreign: JoinSide{Table: foreign.Table, KeyColumns: foreignKey, JoinColumn: foreign.Column},
		Filter:  q.Filter,
	}
	plan.Warnings = checkForeignKey(cat, foreign, root)

	if q.Filter != nil && !containsString(q.Tables, q.Filter.Column.Table) {
		return nil, fmt.Errorf("filter references unknown table %s", q.Filter.Column.Table)
	}

	if len(q.Columns) > 0 {
		seen := make(map[string]bool)
		for _, c := range q.Columns {
			if !containsString(q.Tables, c.Table) {
				return nil, fmt.Errorf("projection references unknown table %s", c.Table)
			}
			if name := c.Qualified(); !seen[name] {
				seen[name] = true
				plan.Columns = append(plan.Columns, name)
			}
		}
		// Retractions are rendered from the key columns, so they always stay in the output.
		for _, k := range plan.KeyColumns() {
			if !seen[k] {
				seen[k] = true
				plan.Columns = append(plan.Columns, k)
			}
		}
	}
	return plan, nil
}

func isSinglePrimaryKey(cat schema.Catalog, c ColumnRef) bool {
	pk := cat.PrimaryKey(c.Table)
	return len(pk) == 1 && pk[0] == c.Column
}

// checkForeignKey reports when the foreign join column is declared as a
// foreign key to something other than the root column.
func checkForeignKey(cat schema.Catalog, foreign, root ColumnRef) []string {
	var warnings []string
	for _, fk := range cat.ForeignKeys(foreign.Table) {
		if fk.Column != foreign.Column {
			continue
		}
		if fk.ForeignTable != "" && (fk.ForeignTable != root.Table || fk.ForeignColumn != root.Column) {
			warnings = append(warnings, fmt.Sprintf("%s is declared as a foreign key to %s.%s, joined against %s",
				foreign, fk.ForeignTable, fk.ForeignColumn, root))
		}
		return warnings
	}
	return append(warnings, fmt.Sprintf("%s is not declared as a foreign key", foreign))
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
