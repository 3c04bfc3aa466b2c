package types

import (
	"sort"
	"strings"
)

// Key is the 64-bit identity of a row. Numeric identities pass through,
// everything else is hashed (see normalize.ResolveKey).
type Key uint64

// Record is a row payload keyed by column name.
type Record map[string]any

// Columns returns the column names in sorted order.
func (r Record) Columns() []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Op is the kind of mutation a change carries.
type Op int

const (
	OpInsert Op = iota + 1
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseOp accepts wal2json action letters (I/U/D) and spelled-out names.
func ParseOp(action string) (Op, bool) {
	switch strings.ToUpper(strings.TrimSpace(action)) {
	case "I", "INSERT":
		return OpInsert, true
	case "U", "UPDATE":
		return OpUpdate, true
	case "D", "DELETE":
		return OpDelete, true
	}
	return 0, false
}

// Column is one named value of a raw change.
type Column struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Value any    `json:"value,omitempty"`
}

// RawChange is a single row change as delivered by the capture layer.
type RawChange struct {
	Table     string
	XID       uint64
	Timestamp string
	Action    string
	// Identity holds the old key values (updates and deletes).
	Identity []Column
	// PrimaryKey names the key columns, looked up in Columns when Identity is empty.
	PrimaryKey []string
	Columns    []Column
}

// Change is the canonical form of one row mutation.
type Change struct {
	Table      string
	PrimaryKey Key
	// NewKey differs from PrimaryKey when an update rewrote the key columns.
	NewKey     Key
	ForeignKey *Key
	Payload    Record
	Time       uint64
	Op         Op
}

// Element is what flows through the join: a key, the optional foreign key and the record.
type Element struct {
	PrimaryKey Key
	ForeignKey *Key
	Record     Record
}

// Delta is a signed change to an element at a logical time.
type Delta struct {
	Element Element
	Time    uint64
	Count   int64
}

// BufferedItem is a delta tagged with the table it came from.
type BufferedItem struct {
	Table   string
	Element Element
	Time    uint64
	Count   int64
}

func (b BufferedItem) Delta() Delta {
	return Delta{Element: b.Element, Time: b.Time, Count: b.Count}
}

// JoinKey identifies an output row by the primary keys of both sides.
type JoinKey struct {
	Left  Key
	Right Key
}

// OutputDelta is one change to the materialized view.
type OutputDelta struct {
	Key        JoinKey
	ForeignKey *Key
	Record     Record
	Time       uint64
	Count      int64
}

// KeyPtr returns a pointer to a copy of k.
func KeyPtr(k Key) *Key { return &k }
