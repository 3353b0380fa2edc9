// Command worker drains the outbox pipelines: entry indexing, attachment
// indexing and attachment parsing. It shares the database with the API
// server but owns the knowledge-graph engine writes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mindatlas/mindatlas/internal/adapter/docparse/tika"
	"github.com/mindatlas/mindatlas/internal/adapter/objstore/minio"
	"github.com/mindatlas/mindatlas/internal/adapter/observability"
	"github.com/mindatlas/mindatlas/internal/adapter/queue/outbox"
	"github.com/mindatlas/mindatlas/internal/adapter/rag/lightrag"
	"github.com/mindatlas/mindatlas/internal/adapter/repo/postgres"
	"github.com/mindatlas/mindatlas/internal/config"
	"github.com/mindatlas/mindatlas/internal/service/index"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// The worker exposes its own /metrics so the scrape config treats it
	// like any other process.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker",
		slog.String("env", cfg.AppEnv),
		slog.String("worker_id", outbox.WorkerID()),
		slog.Bool("indexing", cfg.LightRAGWorkerEnabled),
		slog.Bool("parsing", cfg.DoclingWorkerEnabled))

	pool, err := postgres.NewPool(context.Background(), cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	entryRepo := postgres.NewEntryRepo(pool)
	typeRepo := postgres.NewEntryTypeRepo(pool)
	attachRepo := postgres.NewAttachmentRepo(pool)

	entryBox := postgres.NewEntryIndexOutbox(pool)
	attachmentBox := postgres.NewAttachmentIndexOutbox(pool)
	parseBox := postgres.NewAttachmentParseOutbox(pool)

	store, err := minio.New(minio.Options{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		slog.Error("object store connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	// All engine writes funnel through one runtime; with indexing disabled
	// the indexer drains rows as no-op successes instead of backlogging.
	engine := lightrag.New(lightrag.Options{BaseURL: cfg.LightRAGURL, APIKey: cfg.LightRAGAPIKey})
	runtime := index.NewRuntime(engine, index.RuntimeOptions{
		JobTimeout:  cfg.RAGJobTimeout,
		InitTimeout: cfg.RAGInitTimeout,
	})
	indexer := index.NewIndexer(runtime, cfg.LightRAGWorkerEnabled)

	parser := tika.New(cfg.ParserURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	run := func(w *outbox.Worker) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				slog.Error("outbox worker failed", slog.Any("error", err))
			}
		}()
	}

	run(outbox.NewWorker("entry_index", entryBox,
		outbox.NewEntryIndexHandler(entryRepo, typeRepo, entryBox, indexer),
		cfg.EntryWorkerOptions()))
	run(outbox.NewWorker("attachment_index", attachmentBox,
		outbox.NewAttachmentIndexHandler(attachRepo, entryRepo, indexer),
		cfg.AttachmentWorkerOptions()))
	if cfg.DoclingWorkerEnabled {
		run(outbox.NewWorker("attachment_parse", parseBox,
			outbox.NewParseHandler(attachRepo, store, parser, cfg.ParseMaxAttempts),
			cfg.ParseWorkerOptions()))
	} else {
		// Parse rows stay pending and are drained when the gate opens.
		slog.Info("attachment parsing disabled, parse outbox idle")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	cancel()
	wg.Wait()
	runtime.Stop()
	slog.Info("worker stopped")
}
