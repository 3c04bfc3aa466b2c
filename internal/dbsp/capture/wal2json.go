package capture

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"

	"github.com/ariyn/cdcview/internal/dbsp/types"
)

// Numbers are kept as json.Number so integral keys survive decoding intact.
var codec = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// Record is one wal2json (format-version 2) message.
type Record struct {
	Action    string         `json:"action"`
	XID       uint64         `json:"xid"`
	NextLSN   string         `json:"nextlsn,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Schema    string         `json:"schema,omitempty"`
	Table     string         `json:"table,omitempty"`
	Columns   []types.Column `json:"columns,omitempty"`
	Identity  []types.Column `json:"identity,omitempty"`
	PK        []types.Column `json:"pk,omitempty"`
}

// IsChange reports whether the record is a row change rather than a
// transaction boundary or message.
func (r Record) IsChange() bool {
	switch r.Action {
	case "I", "U", "D":
		return true
	}
	return false
}

// RawChange converts a row change record.
func (r Record) RawChange() types.RawChange {
	c := types.RawChange{
		Table:     r.Table,
		XID:       r.XID,
		Timestamp: r.Timestamp,
		Action:    r.Action,
		Identity:  r.Identity,
		Columns:   r.Columns,
	}
	for _, pk := range r.PK {
		c.PrimaryKey = append(c.PrimaryKey, pk.Name)
	}
	return c
}

// DecodeRecord decodes a single wal2json message.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := codec.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode wal2json record: %w", err)
	}
	if r.Action == "" {
		return Record{}, fmt.Errorf("decode wal2json record: missing action")
	}
	return r, nil
}

// DecodeRecords decodes either a JSON array of messages or newline
// delimited messages.
func DecodeRecords(r io.Reader) ([]Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var records []Record
		if err := codec.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("decode wal2json records: %w", err)
		}
		for i, rec := range records {
			if rec.Action == "" {
				return nil, fmt.Errorf("record %d: missing action", i)
			}
		}
		return records, nil
	}

	var records []Record
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		rec, err := DecodeRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Transactor groups wal2json messages into per-table batches. B opens a
// transaction and C publishes one batch for every tracked table, empty for
// the tables the transaction did not touch. Changes outside a transaction
// are published one by one.
type Transactor struct {
	pub    Publisher
	tables []string
	logger log.Logger

	open    bool
	xid     uint64
	pending map[string][]types.RawChange
}

// NewTransactor publishes batches for tables to pub. Changes to other
// tables are dropped.
func NewTransactor(pub Publisher, tables []string, logger log.Logger) *Transactor {
	return &Transactor{
		pub:     pub,
		tables:  append([]string(nil), tables...),
		logger:  log.With(logger, "component", "transactor"),
		pending: make(map[string][]types.RawChange),
	}
}

func (t *Transactor) tracked(table string) bool {
	for _, tt := range t.tables {
		if tt == table {
			return true
		}
	}
	return false
}

// Apply consumes one message.
func (t *Transactor) Apply(r Record) error {
	switch {
	case r.Action == "B":
		if t.open {
			level.Warn(t.logger).Log("msg", "transaction begins before previous commit, discarding it", "xid", t.xid)
		}
		t.open = true
		t.xid = r.XID
		t.pending = make(map[string][]types.RawChange)
		return nil
	case r.Action == "C":
		if !t.open {
			level.Debug(t.logger).Log("msg", "commit without begin", "xid", r.XID)
			return nil
		}
		t.open = false
		xid := t.xid
		if r.XID != 0 {
			xid = r.XID
		}
		for _, table := range t.tables {
			if err := t.pub.Publish(RawBatch{Table: table, XID: xid, Changes: t.pending[table]}); err != nil {
				return err
			}
		}
		t.pending = make(map[string][]types.RawChange)
		return nil
	case !r.IsChange():
		level.Debug(t.logger).Log("msg", "ignoring message", "action", r.Action)
		return nil
	case !t.tracked(r.Table):
		return nil
	}

	c := r.RawChange()
	if !t.open {
		// A change outside a transaction commits on its own; the other
		// tables get a heartbeat at the same xid.
		for _, table := range t.tables {
			b := RawBatch{Table: table, XID: c.XID}
			if table == c.Table {
				b.Changes = []types.RawChange{c}
			}
			if err := t.pub.Publish(b); err != nil {
				return err
			}
		}
		return nil
	}
	if c.XID == 0 {
		c.XID = t.xid
	}
	t.pending[c.Table] = append(t.pending[c.Table], c)
	return nil
}

// ApplyAll consumes messages in order.
func (t *Transactor) ApplyAll(records []Record) error {
	for _, r := range records {
		if err := t.Apply(r); err != nil {
			return err
		}
	}
	return nil
}
