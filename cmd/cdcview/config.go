package main

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/drone/envsubst"
	"github.com/grafana/dskit/backoff"
	"gopkg.in/yaml.v3"

	"github.com/ariyn/cdcview/internal/dbsp/pipeline"
	"github.com/ariyn/cdcview/internal/dbsp/schema"
	"github.com/ariyn/cdcview/internal/dbsp/sink"
)

// Config defines the structure of the configuration file
type Config struct {
	LogLevel string `yaml:"log_level"`
	// Query is the two-table join the view maintains
	Query   string        `yaml:"query"`
	Schema  SchemaConfig  `yaml:"schema"`
	Buffer  BufferConfig  `yaml:"buffer"`
	Capture CaptureConfig `yaml:"capture"`
	Sink    SinkConfig    `yaml:"sink"`
	WAL     WALConfig     `yaml:"wal"`
	Archive ArchiveConfig `yaml:"archive"`
	Metrics MetricsConfig `yaml:"metrics"`

	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// SchemaConfig declares the key columns of the joined tables. Keys can be
// listed inline, read from a live database, or both; introspected tables
// replace inline ones.
type SchemaConfig struct {
	Tables     map[string][]KeyConfig `yaml:"tables"`
	Introspect *IntrospectConfig      `yaml:"introspect"`
}

type KeyConfig struct {
	Column string `yaml:"column"`
	Type   string `yaml:"type"` // primary|foreign
	// References is "table.column" for foreign keys
	References string `yaml:"references"`
}

type IntrospectConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type BufferConfig struct {
	MaxBatchSize int    `yaml:"max_batch_size"`
	MaxDelay     string `yaml:"max_delay"` // e.g. "1s", "500 milliseconds"
}

type CaptureConfig struct {
	HubCapacity  int            `yaml:"hub_capacity"`
	MaxPerFetch  int            `yaml:"max_per_fetch"`
	PollInterval string         `yaml:"poll_interval"`
	Source       ProducerConfig `yaml:"source"`
}

// ProducerConfig selects a change producer. Config is decoded by the
// producer itself.
type ProducerConfig struct {
	Type   string                 `yaml:"type"` // http|file|chain
	Config map[string]interface{} `yaml:"config"`
}

type SinkConfig struct {
	Type   string `yaml:"type"` // console|sql
	Table  string `yaml:"table"`
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// Format applies to the console sink: sql|json
	Format string      `yaml:"format"`
	Retry  RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MinBackoff string `yaml:"min_backoff"`
	MaxBackoff string `yaml:"max_backoff"`
	MaxRetries int    `yaml:"max_retries"`
}

// WALConfig defines write-ahead log (WAL) settings.
// WAL stores released batches to enable crash recovery via replay.
type WALConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// CheckpointEveryBatches enables periodic engine snapshots.
	// If 0, checkpointing is disabled.
	CheckpointEveryBatches int `yaml:"checkpoint_every_batches"`
}

// ArchiveConfig writes every output delta to rotating parquet files.
type ArchiveConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Path               string `yaml:"path"`
	Compression        string `yaml:"compression"`
	RowGroupSize       int    `yaml:"row_group_size"`
	RotateEvery        string `yaml:"rotate_every"`
	RotateEveryBatches int    `yaml:"rotate_every_batches"`
}

type MetricsConfig struct {
	// Listen is the address serving /metrics; empty disables it
	Listen string `yaml:"listen"`
}

// LoadConfig reads path. With expandEnv, ${VAR} references are substituted
// from the environment before parsing.
func LoadConfig(path string, expandEnv bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data, expandEnv)
}

func ParseConfig(data []byte, expandEnv bool) (*Config, error) {
	if expandEnv {
		s, err := envsubst.EvalEnv(string(data))
		if err != nil {
			return nil, fmt.Errorf("expand config: %w", err)
		}
		data = []byte(s)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Query) == "" {
		return fmt.Errorf("query is required")
	}
	switch c.Sink.Type {
	case "", "console":
	case "sql":
		if c.Sink.Driver == "" || c.Sink.DSN == "" {
			return fmt.Errorf("sql sink requires driver and dsn")
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", c.Sink.Type)
	}
	if c.WAL.Enabled && c.WAL.Path == "" {
		return fmt.Errorf("wal.path is required when the wal is enabled")
	}
	if c.Archive.Enabled && c.Archive.Path == "" {
		return fmt.Errorf("archive.path is required when the archive is enabled")
	}
	if c.Schema.Introspect != nil && (c.Schema.Introspect.Driver == "" || c.Schema.Introspect.DSN == "") {
		return fmt.Errorf("schema.introspect requires driver and dsn")
	}
	for _, d := range []string{c.Buffer.MaxDelay, c.Capture.PollInterval, c.ShutdownTimeout,
		c.Sink.Retry.MinBackoff, c.Sink.Retry.MaxBackoff, c.Archive.RotateEvery} {
		if _, err := parseDuration(d); err != nil {
			return err
		}
	}
	return nil
}

// Catalog returns the inline key declarations.
func (s SchemaConfig) Catalog() (schema.Catalog, error) {
	cat := make(schema.Catalog, len(s.Tables))
	for table, keys := range s.Tables {
		for _, k := range keys {
			kind, err := schema.ParseKeyKind(k.Type)
			if err != nil {
				return nil, fmt.Errorf("schema.tables.%s.%s: %w", table, k.Column, err)
			}
			info := schema.KeyInfo{Column: k.Column, Kind: kind}
			if k.References != "" {
				ft, fc, ok := strings.Cut(k.References, ".")
				if !ok {
					return nil, fmt.Errorf("schema.tables.%s.%s: references must be table.column", table, k.Column)
				}
				info.ForeignTable, info.ForeignColumn = ft, fc
			}
			cat[table] = append(cat[table], info)
		}
	}
	return cat, nil
}

func (c *Config) pipelineConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	if c.Buffer.MaxBatchSize > 0 {
		cfg.Buffer.MaxBatchSize = c.Buffer.MaxBatchSize
	}
	if d, _ := parseDuration(c.Buffer.MaxDelay); d > 0 {
		cfg.Buffer.MaxDelay = d
	}
	if d, _ := parseDuration(c.Capture.PollInterval); d > 0 {
		cfg.PollInterval = d
	}
	if d, _ := parseDuration(c.ShutdownTimeout); d > 0 {
		cfg.ShutdownTimeout = d
	}
	if c.WAL.Enabled {
		cfg.CheckpointEvery = c.WAL.CheckpointEveryBatches
	}
	return cfg
}

func (r RetryConfig) backoffConfig() backoff.Config {
	cfg := sink.DefaultRetry()
	if d, _ := parseDuration(r.MinBackoff); d > 0 {
		cfg.MinBackoff = d
	}
	if d, _ := parseDuration(r.MaxBackoff); d > 0 {
		cfg.MaxBackoff = d
	}
	if r.MaxRetries > 0 {
		cfg.MaxRetries = r.MaxRetries
	}
	return cfg
}

var durationUnits = map[string]time.Duration{
	"ms": time.Millisecond, "millisecond": time.Millisecond, "milliseconds": time.Millisecond,
	"s": time.Second, "sec": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
}

// parseDuration accepts Go durations ("500ms") and interval style
// durations ("5 minutes"). Empty is zero.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) != 2 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	n, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	unit, ok := durationUnits[fields[1]]
	if !ok {
		return 0, fmt.Errorf("invalid duration unit in %q", s)
	}
	return time.Duration(n * float64(unit)), nil
}
