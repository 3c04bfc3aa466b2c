package sqlconv

import (
	"reflect"
	"testing"

	"github.com/ariyn/cdcview/internal/dbsp/types"
)

func TestParseDML_Insert(t *testing.T) {
	sql := "INSERT INTO orders (id, customer_id, note) VALUES (10, 1, 'x')"

	changes, err := ParseDML(sql, 7)
	if err != nil {
		t.Fatalf("ParseDML failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}

	c := changes[0]
	if c.Table != "orders" || c.XID != 7 || c.Action != "I" {
		t.Errorf("unexpected change header %+v", c)
	}
	want := []types.Column{{Name: "id", Value: int64(10)}, {Name: "customer_id", Value: int64(1)}, {Name: "note", Value: "x"}}
	if !reflect.DeepEqual(c.Columns, want) {
		t.Errorf("unexpected columns %+v", c.Columns)
	}
}

func TestParseDML_InsertMultipleRows(t *testing.T) {
	sql := `INSERT INTO customers (id, name) VALUES
		(1, 'a'),
		(2, 'b'),
		(3, NULL)`

	changes, err := ParseDML(sql, 1)
	if err != nil {
		t.Fatalf("ParseDML failed: %v", err)
	}
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(changes))
	}
	for i, c := range changes {
		if c.XID != 1 {
			t.Errorf("row %d: all rows of one statement share the xid, got %d", i, c.XID)
		}
		if c.Columns[0].Value != int64(i+1) {
			t.Errorf("row %d: unexpected id %v", i, c.Columns[0].Value)
		}
	}
	if changes[2].Columns[1].Value != nil {
		t.Errorf("NULL must become nil, got %v", changes[2].Columns[1].Value)
	}
}

func TestParseDML_Delete(t *testing.T) {
	changes, err := ParseDML("DELETE FROM orders WHERE id = 10", 3)
	if err != nil {
		t.Fatalf("ParseDML failed: %v", err)
	}
	c := changes[0]
	if c.Action != "D" || c.Table != "orders" {
		t.Errorf("unexpected change %+v", c)
	}
	if !reflect.DeepEqual(c.Identity, []types.Column{{Name: "id", Value: int64(10)}}) {
		t.Errorf("unexpected identity %+v", c.Identity)
	}
	if len(c.Columns) != 0 {
		t.Errorf("delete carries no payload, got %+v", c.Columns)
	}
}

func TestParseDML_Update(t *testing.T) {
	changes, err := ParseDML("UPDATE orders SET customer_id = 2, note = 'y' WHERE id = 10", 4)
	if err != nil {
		t.Fatalf("ParseDML failed: %v", err)
	}
	c := changes[0]
	if c.Action != "U" {
		t.Errorf("unexpected action %s", c.Action)
	}
	if !reflect.DeepEqual(c.Identity, []types.Column{{Name: "id", Value: int64(10)}}) {
		t.Errorf("unexpected identity %+v", c.Identity)
	}
	want := []types.Column{{Name: "id", Value: int64(10)}, {Name: "customer_id", Value: int64(2)}, {Name: "note", Value: "y"}}
	if !reflect.DeepEqual(c.Columns, want) {
		t.Errorf("unexpected columns %+v", c.Columns)
	}

	// re-keying: the SET value of a key column wins over the identity
	changes, err = ParseDML("UPDATE orders SET id = 11, note = 'y' WHERE id = 10", 5)
	if err != nil {
		t.Fatalf("ParseDML failed: %v", err)
	}
	if changes[0].Columns[0].Value != int64(11) || changes[0].Identity[0].Value != int64(10) {
		t.Errorf("unexpected re-key change %+v", changes[0])
	}
}

func TestParseDML_Errors(t *testing.T) {
	for _, sql := range []string{
		"DELETE FROM orders",
		"DELETE FROM orders WHERE id > 3",
		"UPDATE orders SET note = 'x'",
		"INSERT INTO orders VALUES (1)",
		"INSERT INTO orders (id, note) VALUES (1)",
		"SELECT * FROM orders",
	} {
		if _, err := ParseDML(sql, 1); err == nil {
			t.Errorf("%s: expected error", sql)
		}
	}
}

func TestParseMultiDML(t *testing.T) {
	sql := `
		INSERT INTO customers (id, name) VALUES (1, 'a');
		INSERT INTO orders (id, customer_id) VALUES (10, 1), (11, 1);
		DELETE FROM orders WHERE id = 11;
	`
	changes, err := ParseMultiDML(sql, 100)
	if err != nil {
		t.Fatalf("ParseMultiDML failed: %v", err)
	}
	var xids []uint64
	for _, c := range changes {
		xids = append(xids, c.XID)
	}
	if !reflect.DeepEqual(xids, []uint64{100, 101, 101, 102}) {
		t.Errorf("unexpected xids %v", xids)
	}
}

func TestParseMultiDML_SemicolonInLiteral(t *testing.T) {
	changes, err := ParseMultiDML(`INSERT INTO customers (id, name) VALUES (1, 'a;b'); DELETE FROM customers WHERE id = 2`, 1)
	if err != nil {
		t.Fatalf("ParseMultiDML failed: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	var name any
	for _, c := range changes[0].Columns {
		if c.Name == "name" {
			name = c.Value
		}
	}
	if name != "a;b" {
		t.Errorf("expected name 'a;b', got %v", name)
	}
	if changes[1].XID != 2 || changes[1].Action != "D" {
		t.Errorf("unexpected second change %+v", changes[1])
	}
}
