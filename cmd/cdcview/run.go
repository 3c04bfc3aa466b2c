package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ariyn/cdcview/internal/dbsp/capture"
	"github.com/ariyn/cdcview/internal/dbsp/engine"
	"github.com/ariyn/cdcview/internal/dbsp/ir"
	"github.com/ariyn/cdcview/internal/dbsp/pipeline"
	"github.com/ariyn/cdcview/internal/dbsp/schema"
	"github.com/ariyn/cdcview/internal/dbsp/sink"
	sqlconv "github.com/ariyn/cdcview/internal/dbsp/sql"
	"github.com/ariyn/cdcview/internal/dbsp/wal"
)

// resolvePlan parses the query and resolves it against the inline and
// introspected key catalog.
func resolvePlan(ctx context.Context, cfg *Config, logger log.Logger) (*ir.JoinPlan, error) {
	q, err := sqlconv.ParseQuery(cfg.Query)
	if err != nil {
		return nil, err
	}
	cat, err := cfg.Schema.Catalog()
	if err != nil {
		return nil, err
	}
	if in := cfg.Schema.Introspect; in != nil {
		db, err := sink.OpenDB(in.Driver, in.DSN)
		if err != nil {
			return nil, fmt.Errorf("introspect: %w", err)
		}
		defer db.Close()
		found, err := schema.Introspect(ctx, db, q.Tables)
		if err != nil {
			return nil, err
		}
		level.Info(logger).Log("msg", "introspected key metadata", "tables", len(found))
		cat.Merge(found)
	}
	return ir.ResolveJoin(q, cat)
}

// run wires the capture feed, the worker and the sink of one view and
// blocks until the feed ends, a fatal fault occurs or a signal arrives.
func run(ctx context.Context, cfg *Config, logger log.Logger, stdout io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	plan, err := resolvePlan(ctx, cfg, logger)
	if err != nil {
		return err
	}
	for _, w := range plan.Warnings {
		level.Warn(logger).Log("msg", "join plan warning", "warning", w)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	table := cfg.Sink.Table
	if table == "" {
		table = plan.Root.Table + "_" + plan.Foreign.Table
	}

	var exec sink.Executor
	switch cfg.Sink.Type {
	case "sql":
		db, err := sink.OpenDB(cfg.Sink.Driver, cfg.Sink.DSN)
		if err != nil {
			return fmt.Errorf("open sink: %w", err)
		}
		sqlExec := sink.NewSQLExecutor(db)
		defer sqlExec.Close()
		exec = sqlExec
	default:
		exec, err = NewConsoleExecutor(stdout, cfg.Sink.Format)
		if err != nil {
			return err
		}
	}
	writer := sink.NewWriter(sink.Config{
		Table:      table,
		KeyColumns: plan.KeyColumns(),
		Retry:      cfg.Sink.Retry.backoffConfig(),
	}, exec, logger, reg)

	var opts []pipeline.Option
	if cfg.WAL.Enabled {
		journal, err := wal.NewSQLiteWAL(cfg.WAL.Path)
		if err != nil {
			return fmt.Errorf("open wal: %w", err)
		}
		defer journal.Close()
		opts = append(opts, pipeline.WithJournal(journal))
	}
	if cfg.Archive.Enabled {
		archive, err := NewParquetArchive(cfg.Archive)
		if err != nil {
			return err
		}
		defer func() {
			if err := archive.Close(); err != nil {
				level.Error(logger).Log("msg", "failed to close archive", "err", err)
			}
		}()
		opts = append(opts, pipeline.WithArchive(archive))
	}

	producer, err := newProducer(cfg.Capture.Source, logger)
	if err != nil {
		return err
	}

	hubCapacity := cfg.Capture.HubCapacity
	if hubCapacity <= 0 {
		hubCapacity = 1024
	}
	hub := capture.NewHub(hubCapacity)
	tables := plan.Tables()
	source := capture.NewSource(hub, tables, cfg.Capture.MaxPerFetch, logger, reg)
	tx := capture.NewTransactor(hub, tables, logger)

	eng := engine.New(plan, logger, reg)
	worker := pipeline.New(cfg.pipelineConfig(), eng, source, writer, logger, reg, opts...)

	level.Info(logger).Log("msg", "starting view", "view", table, "root", plan.Root.Table, "foreign", plan.Foreign.Table)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer hub.Close()
		return producer.Run(gctx, tx)
	})
	g.Go(func() error {
		// The worker outlives a finished producer and drains the feed; once
		// it returns everything else stops.
		defer cancel()
		err := worker.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.Listen, reg, logger)
		})
	}

	if err := g.Wait(); err != nil {
		level.Error(logger).Log("msg", "view stopped", "err", err)
		return err
	}
	level.Info(logger).Log("msg", "view stopped", "frontier", eng.Frontier())
	return nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		level.Info(logger).Log("msg", "serving metrics", "listen", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
