package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"docindex/internal/config"
	"docindex/internal/database"
	"docindex/internal/database/migration"
	handlers "docindex/internal/http/handler"
	"docindex/internal/http/middleware"
	"docindex/internal/logger"
	"docindex/internal/messaging"
	"docindex/internal/ocr"
	"docindex/internal/otel"
	"docindex/internal/repository/postgres"
	"docindex/internal/search"
	"docindex/internal/service"
	"docindex/internal/storage"
)

func main() {
	// Load configuration from environment variables (.env auto-loaded if present)
	cfg := config.Load()

	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := cfg.Validate(); err != nil {
		zl.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Init(ctx, "docindex-api", zl)
	if err != nil {
		zl.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	db, err := database.NewPostgres(ctx, cfg.Database, zl)
	if err != nil {
		zl.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := migration.EnsureMigrated(ctx, db, zl); err != nil {
		zl.Fatal("failed to migrate database", zap.Error(err))
	}

	objStore, err := storage.NewMinIO(ctx, cfg.MinIO)
	if err != nil {
		zl.Fatal("failed to initialize object storage", zap.Error(err))
	}

	index, err := search.NewElastic(cfg.Elasticsearch, zl)
	if err != nil {
		zl.Fatal("failed to create search client", zap.Error(err))
	}
	if err := index.EnsureIndex(ctx); err != nil {
		zl.Fatal("failed to prepare search index", zap.Error(err))
	}

	router, err := messaging.NewRouter(cfg.RabbitMQ.Queues)
	if err != nil {
		zl.Fatal("invalid queue routing", zap.Error(err))
	}
	broker := messaging.NewClient(cfg.RabbitMQ, router, "docindex-api", zl)
	if err := broker.Connect(); err != nil {
		zl.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer broker.Close()

	// refuse uploads the worker's OCR_ENGINE could never index
	accepts, err := ocr.Accepts(cfg.OCR.Engine)
	if err != nil {
		zl.Fatal("invalid OCR engine", zap.Error(err))
	}

	docSvc := service.NewDocumentService(
		storage.NewDocumentBlobs(objStore, zl),
		postgres.NewDocumentPostgres(db),
		broker,
		index,
		zl,
		service.WithContentTypeCheck(accepts),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promMiddleware, err := middleware.NewPrometheusMiddleware(reg)
	if err != nil {
		zl.Fatal("failed to register http metrics", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: handlers.ErrorHandler(),
		BodyLimit:    int(cfg.OCR.MaxFileBytes) + 1<<20,
	})

	app.Use(otelfiber.Middleware())
	// RequestID middleware adds/propagates X-Request-ID and stores it in context
	app.Use(middleware.RequestID())
	app.Use(middleware.Logger(zl))
	app.Use(promMiddleware.Handler())

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	handlers.RegisterRoutes(app, db, docSvc)

	go func() {
		<-ctx.Done()
		zl.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			zl.Error("shutdown", zap.Error(err))
		}
	}()

	addr := ":" + cfg.Port
	zl.Info("listening", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		zl.Fatal("failed to start server", zap.Error(err))
	}
}
