package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ariyn/cdcview/internal/dbsp/sink"
)

func consoleStatements() []sink.Statement {
	return []sink.Statement{
		sink.CreateTable("v", []sink.ColumnDef{{Name: "a.id", Type: sink.TypeInteger}}),
		sink.Insert("v", []sink.Value{{Column: "a.id", Value: 1}}),
		sink.Delete("v", []sink.Value{{Column: "a.id", Value: 1}}),
	}
}

func TestConsoleExecutor_SQL(t *testing.T) {
	var buf bytes.Buffer
	e, err := NewConsoleExecutor(&buf, "")
	require.NoError(t, err)
	require.NoError(t, e.Exec(context.Background(), consoleStatements()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Equal(t, []string{
		`CREATE TABLE IF NOT EXISTS "v" ("a.id" INTEGER);`,
		`INSERT INTO "v" ("a.id") VALUES (1);`,
		`DELETE FROM "v" WHERE "a.id" = 1;`,
	}, lines)
}

func TestConsoleExecutor_JSONSkipsSchema(t *testing.T) {
	var buf bytes.Buffer
	e, err := NewConsoleExecutor(&buf, "json")
	require.NoError(t, err)
	require.NoError(t, e.Exec(context.Background(), consoleStatements()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.JSONEq(t, `{"kind":"insert","table":"v","values":{"a.id":1}}`, lines[0])
	require.JSONEq(t, `{"kind":"delete","table":"v","where":{"a.id":1}}`, lines[1])
}

func TestConsoleExecutor_RejectsUnknownFormat(t *testing.T) {
	_, err := NewConsoleExecutor(&bytes.Buffer{}, "xml")
	require.Error(t, err)
}
