package schema

import (
	"fmt"
	"sort"
)

// KeyKind tells a primary key column from a foreign key column.
type KeyKind int

const (
	PrimaryKey KeyKind = iota + 1
	ForeignKey
)

func (k KeyKind) String() string {
	switch k {
	case PrimaryKey:
		return "PRIMARY KEY"
	case ForeignKey:
		return "FOREIGN KEY"
	}
	return "UNKNOWN"
}

// ParseKeyKind accepts the information_schema constraint type names and the
// short yaml forms "primary"/"foreign".
func ParseKeyKind(s string) (KeyKind, error) {
	switch s {
	case "PRIMARY KEY", "primary", "pk":
		return PrimaryKey, nil
	case "FOREIGN KEY", "foreign", "fk":
		return ForeignKey, nil
	}
	return 0, fmt.Errorf("unknown key type %q", s)
}

// KeyInfo describes one key column of a table.
type KeyInfo struct {
	Column        string
	Kind          KeyKind
	ForeignTable  string
	ForeignColumn string
}

// Catalog maps a table name to its key columns.
type Catalog map[string][]KeyInfo

// PrimaryKey returns the primary key columns of table in declaration order.
func (c Catalog) PrimaryKey(table string) []string {
	var cols []string
	for _, k := range c[table] {
		if k.Kind == PrimaryKey {
			cols = append(cols, k.Column)
		}
	}
	return cols
}

// ForeignKeys returns the foreign key columns of table.
func (c Catalog) ForeignKeys(table string) []KeyInfo {
	var out []KeyInfo
	for _, k := range c[table] {
		if k.Kind == ForeignKey {
			out = append(out, k)
		}
	}
	return out
}

// Tables returns the known table names in ascending order.
func (c Catalog) Tables() []string {
	names := make([]string, 0, len(c))
	for n := range c {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Merge adds the entries of other, replacing tables that exist in both.
func (c Catalog) Merge(other Catalog) {
	for t, keys := range other {
		c[t] = keys
	}
}
