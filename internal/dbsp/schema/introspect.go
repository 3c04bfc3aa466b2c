package schema

import (
	"context"
	"database/sql"
	"fmt"
)

// keysQuery lists the primary and foreign key columns of one table.
const keysQuery = `SELECT
	keys.column_name,
	'PRIMARY KEY' AS key_type,
	NULL AS foreign_table,
	NULL AS foreign_column
FROM information_schema.table_constraints constraints
JOIN information_schema.key_column_usage keys
	ON constraints.constraint_name = keys.constraint_name
WHERE constraints.constraint_type = 'PRIMARY KEY'
	AND keys.table_name = $1
UNION ALL
SELECT
	keys.column_name,
	'FOREIGN KEY' AS key_type,
	ccu.table_name AS foreign_table,
	ccu.column_name AS foreign_column
FROM information_schema.table_constraints constraints
JOIN information_schema.key_column_usage keys
	ON constraints.constraint_name = keys.constraint_name
JOIN information_schema.constraint_column_usage ccu
	ON ccu.constraint_name = constraints.constraint_name
WHERE constraints.constraint_type = 'FOREIGN KEY'
	AND keys.table_name = $1`

// Introspect reads key metadata for tables from the information_schema of db.
func Introspect(ctx context.Context, db *sql.DB, tables []string) (Catalog, error) {
	cat := make(Catalog, len(tables))
	for _, table := range tables {
		keys, err := tableKeys(ctx, db, table)
		if err != nil {
			return nil, fmt.Errorf("introspect %s: %w", table, err)
		}
		cat[table] = keys
	}
	return cat, nil
}

func tableKeys(ctx context.Context, db *sql.DB, table string) ([]KeyInfo, error) {
	rows, err := db.QueryContext(ctx, keysQuery, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []KeyInfo
	for rows.Next() {
		var (
			column, keyType string
			ftable, fcolumn sql.NullString
		)
		if err := rows.Scan(&column, &keyType, &ftable, &fcolumn); err != nil {
			return nil, err
		}
		kind, err := ParseKeyKind(keyType)
		if err != nil {
			return nil, err
		}
		keys = append(keys, KeyInfo{
			Column:        column,
			Kind:          kind,
			ForeignTable:  ftable.String,
			ForeignColumn: fcolumn.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}
