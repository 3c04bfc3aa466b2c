package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/ariyn/cdcview/internal/dbsp/capture"
)

type HTTPSourceConfig struct {
	Listen       string `yaml:"listen"`
	Path         string `yaml:"path"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// HTTPSource accepts wal2json messages posted as a JSON array or as
// newline delimited JSON. Requests are applied in arrival order, so a
// transaction may span several requests. The table query parameter names
// the table of changes that carry none.
type HTTPSource struct {
	cfg    HTTPSourceConfig
	logger log.Logger
	mu     sync.Mutex
}

func NewHTTPSource(config map[string]interface{}, logger log.Logger) (*HTTPSource, error) {
	var cfg HTTPSourceConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, fmt.Errorf("http source: %w", err)
	}

	// Set defaults
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Path == "" {
		cfg.Path = "/ingest"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	return &HTTPSource{cfg: cfg, logger: log.With(logger, "component", "http-source")}, nil
}

func (s *HTTPSource) handler(tx *capture.Transactor) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		s.handleIngest(w, r, tx)
	})
	return mux
}

func (s *HTTPSource) handleIngest(w http.ResponseWriter, r *http.Request, tx *capture.Transactor) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	records, err := capture.DecodeRecords(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if table := r.URL.Query().Get("table"); table != "" {
		for i := range records {
			if records[i].IsChange() && records[i].Table == "" {
				records[i].Table = table
			}
		}
	}

	s.mu.Lock()
	err = tx.ApplyAll(records)
	s.mu.Unlock()
	switch {
	case errors.Is(err, capture.ErrClosed):
		http.Error(w, "feed closed", http.StatusServiceUnavailable)
		return
	case err != nil:
		level.Error(s.logger).Log("msg", "failed to publish records", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	level.Debug(s.logger).Log("msg", "ingested", "records", len(records))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Run serves until ctx is done.
func (s *HTTPSource) Run(ctx context.Context, tx *capture.Transactor) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.handler(tx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		level.Info(s.logger).Log("msg", "starting http source", "listen", s.cfg.Listen, "path", s.cfg.Path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			level.Warn(s.logger).Log("msg", "http source shutdown", "err", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http source: %w", err)
	}
}
