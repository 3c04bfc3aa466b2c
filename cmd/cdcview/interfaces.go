package main

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"gopkg.in/yaml.v3"

	"github.com/ariyn/cdcview/internal/dbsp/capture"
)

// Producer publishes captured changes through tx until its input ends or
// ctx is done. Returning nil means the input is exhausted.
type Producer interface {
	Run(ctx context.Context, tx *capture.Transactor) error
}

func newProducer(cfg ProducerConfig, logger log.Logger) (Producer, error) {
	switch cfg.Type {
	case "http":
		return NewHTTPSource(cfg.Config, logger)
	case "file":
		return NewFileSource(cfg.Config, logger)
	case "chain":
		return NewChainSource(cfg.Config, logger)
	default:
		return nil, fmt.Errorf("unsupported source type: %s", cfg.Type)
	}
}

// decodeConfig re-marshals a loosely typed config section into out.
func decodeConfig(config map[string]interface{}, out any) error {
	yamlBytes, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := yaml.Unmarshal(yamlBytes, out); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}
