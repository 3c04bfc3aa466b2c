package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/apache/arrow/go/v15/parquet"
	"github.com/apache/arrow/go/v15/parquet/compress"
	"github.com/apache/arrow/go/v15/parquet/pqarrow"

	"github.com/ariyn/cdcview/internal/dbsp/sink"
	"github.com/ariyn/cdcview/internal/dbsp/types"
)

// Archive columns appended after the record columns.
const (
	colLeft  = "__left"
	colRight = "__right"
	colTime  = "__time"
	colCount = "__count"
)

type archiveColumn struct {
	Name string
	Type string // string|int64|float64
}

// ParquetArchive appends every output delta of the view to rotating parquet
// files. The column set is fixed by the first archived delta; record
// columns that show up later are dropped. Each Archive call is written out
// as at least one row group; RowGroupSize caps its size.
type ParquetArchive struct {
	cfg     ArchiveConfig
	columns []archiveColumn

	arrowSchema *arrow.Schema
	mem         memory.Allocator

	file   *os.File
	writer *pqarrow.FileWriter

	builders []array.Builder // aligned with columns
	bufRows  int

	openedAt           time.Time
	rotateEvery        time.Duration
	rotateEveryBatches int
	batchesInFile      int
	fileSeq            int

	now func() time.Time
	mu  sync.Mutex
}

func NewParquetArchive(cfg ArchiveConfig) (*ParquetArchive, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("parquet archive path is required")
	}
	rotateEvery, err := parseDuration(cfg.RotateEvery)
	if err != nil {
		return nil, fmt.Errorf("invalid rotate_every: %w", err)
	}
	if cfg.RowGroupSize <= 0 {
		cfg.RowGroupSize = 65536
	}
	return &ParquetArchive{
		cfg:                cfg,
		mem:                memory.NewGoAllocator(),
		rotateEvery:        rotateEvery,
		rotateEveryBatches: cfg.RotateEveryBatches,
		now:                time.Now,
	}, nil
}

func (a *ParquetArchive) Archive(_ context.Context, deltas []types.OutputDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.arrowSchema == nil {
		a.columns = inferArchiveColumns(deltas[0].Record)
		a.arrowSchema = buildArrowSchema(a.columns)
	}

	now := a.now()
	if a.writer == nil {
		if err := a.openNewFileLocked(now); err != nil {
			return err
		}
	}
	// Rotate before writing the next batch if the current file has reached limits.
	if a.rotateEveryBatches > 0 && a.batchesInFile >= a.rotateEveryBatches {
		if err := a.rotateLocked(now); err != nil {
			return err
		}
	}
	if a.rotateEvery > 0 && now.Sub(a.openedAt) >= a.rotateEvery {
		if err := a.rotateLocked(now); err != nil {
			return err
		}
	}
	a.batchesInFile++

	for _, d := range deltas {
		a.appendRowLocked(d)
		if a.bufRows >= a.cfg.RowGroupSize {
			if err := a.flushLocked(); err != nil {
				return err
			}
		}
	}
	// Every archived batch reaches the file before the worker moves on.
	return a.flushLocked()
}

func (a *ParquetArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.flushLocked(); err != nil {
		_ = a.closeCurrentLocked()
		return err
	}
	return a.closeCurrentLocked()
}

func inferArchiveColumns(r types.Record) []archiveColumn {
	cols := make([]archiveColumn, 0, len(r)+4)
	for _, name := range r.Columns() {
		typ := "string"
		switch t, _ := sink.ColumnType(r[name]); t {
		case sink.TypeInteger:
			typ = "int64"
		case sink.TypeDouble:
			typ = "float64"
		}
		cols = append(cols, archiveColumn{Name: name, Type: typ})
	}
	for _, name := range []string{colLeft, colRight, colTime, colCount} {
		cols = append(cols, archiveColumn{Name: name, Type: "int64"})
	}
	return cols
}

func buildArrowSchema(columns []archiveColumn) *arrow.Schema {
	fields := make([]arrow.Field, 0, len(columns))
	for _, c := range columns {
		switch c.Type {
		case "int64":
			fields = append(fields, arrow.Field{Name: c.Name, Type: arrow.PrimitiveTypes.Int64, Nullable: true})
		case "float64":
			fields = append(fields, arrow.Field{Name: c.Name, Type: arrow.PrimitiveTypes.Float64, Nullable: true})
		default:
			fields = append(fields, arrow.Field{Name: c.Name, Type: arrow.BinaryTypes.String, Nullable: true})
		}
	}
	return arrow.NewSchema(fields, nil)
}

func (a *ParquetArchive) initBuildersLocked() {
	if a.builders != nil {
		return
	}
	a.builders = make([]array.Builder, 0, len(a.columns))
	for _, c := range a.columns {
		switch c.Type {
		case "int64":
			a.builders = append(a.builders, array.NewInt64Builder(a.mem))
		case "float64":
			a.builders = append(a.builders, array.NewFloat64Builder(a.mem))
		default:
			a.builders = append(a.builders, array.NewStringBuilder(a.mem))
		}
	}
}

func (a *ParquetArchive) appendRowLocked(d types.OutputDelta) {
	a.initBuildersLocked()

	for i, col := range a.columns {
		switch col.Name {
		case colLeft:
			a.builders[i].(*array.Int64Builder).Append(int64(d.Key.Left))
			continue
		case colRight:
			a.builders[i].(*array.Int64Builder).Append(int64(d.Key.Right))
			continue
		case colTime:
			a.builders[i].(*array.Int64Builder).Append(int64(d.Time))
			continue
		case colCount:
			a.builders[i].(*array.Int64Builder).Append(d.Count)
			continue
		}

		v, ok := d.Record[col.Name]
		if !ok || v == nil {
			a.builders[i].AppendNull()
			continue
		}
		switch col.Type {
		case "int64":
			b := a.builders[i].(*array.Int64Builder)
			if iv, ok := coerceInt64(v); ok {
				b.Append(iv)
			} else {
				b.AppendNull()
			}
		case "float64":
			b := a.builders[i].(*array.Float64Builder)
			if fv, ok := coerceFloat64(v); ok {
				b.Append(fv)
			} else {
				b.AppendNull()
			}
		default:
			a.builders[i].(*array.StringBuilder).Append(fmt.Sprintf("%v", v))
		}
	}
	a.bufRows++
}

func (a *ParquetArchive) flushLocked() error {
	if a.bufRows == 0 {
		return nil
	}
	if a.writer == nil {
		return fmt.Errorf("parquet writer is nil")
	}

	cols := make([]arrow.Array, 0, len(a.builders))
	for _, b := range a.builders {
		cols = append(cols, b.NewArray())
	}
	rec := array.NewRecord(a.arrowSchema, cols, int64(a.bufRows))
	defer rec.Release()
	for _, c := range cols {
		c.Release()
	}

	if err := a.writer.Write(rec); err != nil {
		return err
	}

	for _, b := range a.builders {
		b.Release()
	}
	a.builders = nil
	a.bufRows = 0
	return nil
}

func (a *ParquetArchive) rotateLocked(now time.Time) error {
	if err := a.flushLocked(); err != nil {
		return err
	}
	if err := a.closeCurrentLocked(); err != nil {
		return err
	}
	a.batchesInFile = 0
	return a.openNewFileLocked(now)
}

func (a *ParquetArchive) closeCurrentLocked() error {
	var firstErr error
	if a.writer != nil {
		if err := a.writer.Close(); err != nil {
			firstErr = err
		}
		a.writer = nil
	}
	if a.file != nil {
		if err := a.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) && firstErr == nil {
			firstErr = err
		}
		a.file = nil
	}
	return firstErr
}

func (a *ParquetArchive) openNewFileLocked(now time.Time) error {
	outPath := a.nextFilePath(now)
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("mkdir parquet dir: %w", err)
	}
	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open parquet file %s: %w", outPath, err)
	}

	props := parquet.NewWriterProperties(parquet.WithCompression(parseCompression(a.cfg.Compression)))
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())
	w, err := pqarrow.NewFileWriter(a.arrowSchema, f, props, arrowProps)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("create parquet writer: %w", err)
	}

	a.file = f
	a.writer = w
	a.openedAt = now
	a.fileSeq++
	return nil
}

// nextFilePath writes into Path when it is a directory, otherwise uses Path
// as the file name prefix.
func (a *ParquetArchive) nextFilePath(now time.Time) string {
	path := strings.TrimSpace(a.cfg.Path)
	stamp := now.UTC().Format("20060102T150405Z")

	if strings.HasSuffix(path, string(os.PathSeparator)) {
		return filepath.Join(filepath.Clean(path), fmt.Sprintf("view-%s-%06d.parquet", stamp, a.fileSeq))
	}
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		return filepath.Join(path, fmt.Sprintf("view-%s-%06d.parquet", stamp, a.fileSeq))
	}

	base := filepath.Base(path)
	if strings.HasSuffix(strings.ToLower(base), ".parquet") {
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if base == "" || base == "." {
		base = "view"
	}
	return filepath.Join(filepath.Dir(path), fmt.Sprintf("%s-%s-%06d.parquet", base, stamp, a.fileSeq))
}

func parseCompression(s string) compress.Compression {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "snappy":
		return compress.Codecs.Snappy
	case "gzip":
		return compress.Codecs.Gzip
	case "uncompressed", "none":
		return compress.Codecs.Uncompressed
	default:
		return compress.Codecs.Zstd
	}
}

func coerceInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		return int64(x), true
	case interface{ Int64() (int64, error) }:
		i, err := x.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func coerceFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case interface{ Float64() (float64, error) }:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
