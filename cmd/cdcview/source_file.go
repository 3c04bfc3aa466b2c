package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/ariyn/cdcview/internal/dbsp/capture"
)

type FileSourceConfig struct {
	Path string `yaml:"path"`
}

// FileSource replays a recorded wal2json stream (JSON array or one message
// per line) and ends.
type FileSource struct {
	path   string
	logger log.Logger
}

func NewFileSource(config map[string]interface{}, logger log.Logger) (*FileSource, error) {
	var cfg FileSourceConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, fmt.Errorf("file source: %w", err)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("file source requires a path")
	}
	return &FileSource{path: cfg.Path, logger: log.With(logger, "component", "file-source")}, nil
}

func (s *FileSource) Run(ctx context.Context, tx *capture.Transactor) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("file source: %w", err)
	}
	defer f.Close()

	records, err := capture.DecodeRecords(f)
	if err != nil {
		return fmt.Errorf("file source %s: %w", s.path, err)
	}
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := tx.Apply(r); err != nil {
			return err
		}
	}
	level.Info(s.logger).Log("msg", "file replayed", "path", s.path, "records", len(records))
	return nil
}
