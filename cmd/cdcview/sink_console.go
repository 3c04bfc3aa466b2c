package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/ariyn/cdcview/internal/dbsp/sink"
)

// ConsoleExecutor prints sink statements instead of running them.
type ConsoleExecutor struct {
	out    io.Writer
	format string
	mu     sync.Mutex
}

var _ sink.Executor = (*ConsoleExecutor)(nil)

func NewConsoleExecutor(out io.Writer, format string) (*ConsoleExecutor, error) {
	switch format {
	case "":
		format = "sql"
	case "sql", "json":
	default:
		return nil, fmt.Errorf("unsupported console format: %s", format)
	}
	return &ConsoleExecutor{out: out, format: format}, nil
}

type consoleStatement struct {
	Kind   string         `json:"kind"`
	Table  string         `json:"table"`
	Values map[string]any `json:"values,omitempty"`
	Where  map[string]any `json:"where,omitempty"`
}

func (e *ConsoleExecutor) Exec(_ context.Context, stmts []sink.Statement) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.format == "sql" {
		for _, s := range stmts {
			if _, err := fmt.Fprintln(e.out, s.SQL()); err != nil {
				return err
			}
		}
		return nil
	}

	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(e.out)
	for _, s := range stmts {
		if s.Kind == sink.KindCreateTable {
			continue
		}
		if err := enc.Encode(consoleStatement{
			Kind:   s.Kind.String(),
			Table:  s.Table,
			Values: valueMap(s.Values),
			Where:  valueMap(s.Where),
		}); err != nil {
			return err
		}
	}
	return nil
}

func valueMap(values []sink.Value) map[string]any {
	if len(values) == 0 {
		return nil
	}
	m := make(map[string]any, len(values))
	for _, v := range values {
		m[v.Column] = v.Value
	}
	return m
}
