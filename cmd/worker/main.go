package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"docindex/internal/config"
	"docindex/internal/logger"
	"docindex/internal/messaging"
	"docindex/internal/ocr"
	"docindex/internal/ocr/fitz"
	"docindex/internal/ocr/tesseract"
	"docindex/internal/otel"
	"docindex/internal/search"
	"docindex/internal/storage"
	"docindex/internal/worker"
)

func main() {
	cfg := config.Load()

	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("worker failed", zap.Error(err))
	}
}

func run(cfg *config.AppConfig, zl *zap.Logger) error {
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Init(ctx, "docindex-worker", zl)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	extractor, err := buildExtractor(cfg.OCR)
	if err != nil {
		return err
	}
	zl.Info("ocr engine ready",
		zap.String("engine", cfg.OCR.Engine),
		zap.Strings("languages", cfg.OCR.Languages),
		zap.Int("ocr_workers", cfg.OCR.Workers),
		zap.String("tesseract", tesseract.Version()),
	)

	objStore, err := storage.NewMinIO(ctx, cfg.MinIO)
	if err != nil {
		return fmt.Errorf("init object storage: %w", err)
	}
	index, err := search.NewElastic(cfg.Elasticsearch, zl)
	if err != nil {
		return fmt.Errorf("init search: %w", err)
	}
	if err := index.EnsureIndex(ctx); err != nil {
		return fmt.Errorf("prepare search index: %w", err)
	}

	router, err := messaging.NewRouter(cfg.RabbitMQ.Queues)
	if err != nil {
		return err
	}
	broker := messaging.NewClient(cfg.RabbitMQ, router, "docindex-worker", zl)
	defer broker.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsSrv := serveMetrics(cfg.Worker.MetricsAddr, reg, zl)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	w := worker.New(
		func(ctx context.Context) (messaging.Stream[messaging.DocumentUploaded], error) {
			return messaging.Subscribe[messaging.DocumentUploaded](ctx, broker)
		},
		storage.NewDocumentBlobs(objStore, zl),
		ocr.NewPool(extractor, cfg.OCR.Workers),
		index,
		zl,
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithRejectPolicy(worker.RejectPolicy{
			RequeueTransient: cfg.Worker.RequeueTransient,
			MaxAttempts:      cfg.Worker.MaxAttempts,
		}),
		worker.WithShutdownTimeout(cfg.Worker.ShutdownTimeout),
		worker.WithMetrics(worker.NewMetrics(reg)),
	)

	zl.Info("worker started", zap.Int("concurrency", cfg.Worker.Concurrency))
	return w.Run(ctx)
}

// buildExtractor wires the engines named by OCR_ENGINE.
func buildExtractor(cfg config.OCRConfig) (ocr.Extractor, error) {
	return ocr.New(cfg.Engine, tesseract.New(cfg.Languages, cfg.TessdataPath), fitz.New(cfg.RenderDPI), cfg.MaxFileBytes)
}

func serveMetrics(addr string, reg *prometheus.Registry, zl *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("metrics server", zap.Error(err))
		}
	}()
	return srv
}
