package wal

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteCodecGobV1          = "gob-v1"
	sqliteCodecEngineSnapshot = "engine-gob-v1"
)

func init() {
	gob.Register(json.Number(""))
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// Checkpoint represents a persisted engine snapshot paired with a WAL position.
// LastSeq is the maximum seq included in the snapshot; replay should continue with seq > LastSeq.
type Checkpoint struct {
	LastSeq  int64
	Codec    string
	Snapshot []byte
}

type SQLiteWAL struct {
	db         *sql.DB
	insertStmt *sql.Stmt
}

var _ WAL = (*SQLiteWAL)(nil)

func NewSQLiteWAL(path string) (*SQLiteWAL, error) {
	if path == "" {
		return nil, fmt.Errorf("wal sqlite path is empty")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite wal: %w", err)
	}
	// A single connection keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)

	w := &SQLiteWAL{db: db}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	stmt, err := db.Prepare(`INSERT INTO wal_batches(created_at_unix_ms, frontier, codec, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare wal insert: %w", err)
	}
	w.insertStmt = stmt

	return w, nil
}

func (w *SQLiteWAL) init() error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
	}
	for _, p := range pragmas {
		if _, err := w.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma failed (%s): %w", p, err)
		}
	}

	_, err := w.db.Exec(`
CREATE TABLE IF NOT EXISTS wal_batches (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at_unix_ms INTEGER NOT NULL,
	frontier INTEGER NOT NULL,
	codec TEXT NOT NULL,
	payload BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS wal_checkpoints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at_unix_ms INTEGER NOT NULL,
	last_seq INTEGER NOT NULL,
	codec TEXT NOT NULL,
	snapshot BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS wal_flushes (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	updated_at_unix_ms INTEGER NOT NULL,
	seq INTEGER NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("create wal schema: %w", err)
	}

	return nil
}

// Append logs batch and returns its seq.
func (w *SQLiteWAL) Append(ctx context.Context, batch Batch) (int64, error) {
	if w == nil || w.db == nil {
		return 0, fmt.Errorf("wal is nil")
	}

	payload, err := encodeBatchGobV1(batch)
	if err != nil {
		return 0, err
	}

	res, err := w.insertStmt.ExecContext(ctx, time.Now().UnixMilli(), int64(batch.Frontier), sqliteCodecGobV1, payload)
	if err != nil {
		return 0, fmt.Errorf("append wal: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append wal: %w", err)
	}
	return seq, nil
}

func (w *SQLiteWAL) Replay(ctx context.Context, apply func(Entry) error) error {
	return w.ReplayFrom(ctx, 0, apply)
}

// ReplayFrom replays wal_batches with seq > afterSeq in seq order.
func (w *SQLiteWAL) ReplayFrom(ctx context.Context, afterSeq int64, apply func(Entry) error) error {
	if w == nil || w.db == nil {
		return fmt.Errorf("wal is nil")
	}
	if apply == nil {
		return fmt.Errorf("apply callback is nil")
	}

	rows, err := w.db.QueryContext(ctx, `SELECT seq, codec, payload FROM wal_batches WHERE seq > ? ORDER BY seq ASC`, afterSeq)
	if err != nil {
		return fmt.Errorf("query wal from seq: %w", err)
	}
	defer rows.Close()

	// Rows are collected first: apply may write to the same database and
	// the WAL runs on a single connection.
	var entries []Entry
	for rows.Next() {
		var (
			seq     int64
			codec   string
			payload []byte
		)
		if err := rows.Scan(&seq, &codec, &payload); err != nil {
			return fmt.Errorf("scan wal row: %w", err)
		}
		if codec != sqliteCodecGobV1 {
			return fmt.Errorf("unknown wal codec: %s", codec)
		}
		b, err := decodeBatchGobV1(payload)
		if err != nil {
			return fmt.Errorf("wal seq %d: %w", seq, err)
		}
		entries = append(entries, Entry{Seq: seq, Batch: b})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate wal rows: %w", err)
	}
	rows.Close()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := apply(e); err != nil {
			return err
		}
	}
	return nil
}

// MaxSeq returns the current maximum wal_batches.seq (or 0 if empty).
func (w *SQLiteWAL) MaxSeq(ctx context.Context) (int64, error) {
	if w == nil || w.db == nil {
		return 0, fmt.Errorf("wal is nil")
	}
	var maxSeq sql.NullInt64
	if err := w.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM wal_batches`).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	if !maxSeq.Valid {
		return 0, nil
	}
	return maxSeq.Int64, nil
}

// SaveCheckpoint stores an engine snapshot with a WAL position.
func (w *SQLiteWAL) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if w == nil || w.db == nil {
		return fmt.Errorf("wal is nil")
	}
	if len(cp.Snapshot) == 0 {
		return fmt.Errorf("checkpoint snapshot is empty")
	}
	if cp.Codec == "" {
		cp.Codec = sqliteCodecEngineSnapshot
	}
	if cp.LastSeq < 0 {
		return fmt.Errorf("checkpoint last seq is negative")
	}
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO wal_checkpoints(created_at_unix_ms, last_seq, codec, snapshot) VALUES (?, ?, ?, ?)`,
		time.Now().UnixMilli(), cp.LastSeq, cp.Codec, cp.Snapshot,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadLatestCheckpoint returns the most recent checkpoint, or (nil, nil) if none.
func (w *SQLiteWAL) LoadLatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	if w == nil || w.db == nil {
		return nil, fmt.Errorf("wal is nil")
	}
	row := w.db.QueryRowContext(ctx,
		`SELECT last_seq, codec, snapshot FROM wal_checkpoints ORDER BY id DESC LIMIT 1`)
	var cp Checkpoint
	if err := row.Scan(&cp.LastSeq, &cp.Codec, &cp.Snapshot); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	return &cp, nil
}

// Compact drops batches covered by a checkpoint and every checkpoint but the
// latest one.
func (w *SQLiteWAL) Compact(ctx context.Context, throughSeq int64) error {
	if w == nil || w.db == nil {
		return fmt.Errorf("wal is nil")
	}
	if _, err := w.db.ExecContext(ctx, `DELETE FROM wal_batches WHERE seq <= ?`, throughSeq); err != nil {
		return fmt.Errorf("compact wal batches: %w", err)
	}
	if _, err := w.db.ExecContext(ctx,
		`DELETE FROM wal_checkpoints WHERE id < (SELECT MAX(id) FROM wal_checkpoints)`); err != nil {
		return fmt.Errorf("compact wal checkpoints: %w", err)
	}
	return nil
}

// MarkFlushed records that the sink output of every batch up to seq has
// been committed.
func (w *SQLiteWAL) MarkFlushed(ctx context.Context, seq int64) error {
	if w == nil || w.db == nil {
		return fmt.Errorf("wal is nil")
	}
	_, err := w.db.ExecContext(ctx, `
INSERT INTO wal_flushes(id, updated_at_unix_ms, seq) VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET updated_at_unix_ms = excluded.updated_at_unix_ms, seq = excluded.seq`,
		time.Now().UnixMilli(), seq)
	if err != nil {
		return fmt.Errorf("mark flushed: %w", err)
	}
	return nil
}

// FlushedSeq returns the seq of the last MarkFlushed call, or 0.
func (w *SQLiteWAL) FlushedSeq(ctx context.Context) (int64, error) {
	if w == nil || w.db == nil {
		return 0, fmt.Errorf("wal is nil")
	}
	var seq int64
	err := w.db.QueryRowContext(ctx, `SELECT seq FROM wal_flushes WHERE id = 1`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load flushed seq: %w", err)
	}
	return seq, nil
}

func (w *SQLiteWAL) Close() error {
	if w == nil {
		return nil
	}
	if w.insertStmt != nil {
		_ = w.insertStmt.Close()
	}
	if w.db != nil {
		return w.db.Close()
	}
	return nil
}

func encodeBatchGobV1(batch Batch) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(batch); err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeBatchGobV1(payload []byte) (Batch, error) {
	var batch Batch
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&batch); err != nil {
		return Batch{}, fmt.Errorf("decode batch: %w", err)
	}
	return batch, nil
}
