package main

import (
	"context"
	"fmt"

	"github.com/go-kit/log"

	"github.com/ariyn/cdcview/internal/dbsp/capture"
)

type ChainSourceConfig struct {
	Sources []ProducerConfig `yaml:"sources"`
}

// ChainSource runs producers one after another, e.g. a recorded backlog
// followed by the live http feed.
type ChainSource struct {
	sources []Producer
}

func NewChainSource(config map[string]interface{}, logger log.Logger) (*ChainSource, error) {
	var chainConfig ChainSourceConfig
	if err := decodeConfig(config, &chainConfig); err != nil {
		return nil, fmt.Errorf("chain source: %w", err)
	}
	if len(chainConfig.Sources) == 0 {
		return nil, fmt.Errorf("chain source needs at least one source")
	}

	var sources []Producer
	for _, srcConfig := range chainConfig.Sources {
		if srcConfig.Type == "chain" {
			return nil, fmt.Errorf("chain sources cannot be nested")
		}
		s, err := newProducer(srcConfig, logger)
		if err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return &ChainSource{sources: sources}, nil
}

func (s *ChainSource) Run(ctx context.Context, tx *capture.Transactor) error {
	for _, src := range s.sources {
		if ctx.Err() != nil {
			return nil
		}
		if err := src.Run(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}
