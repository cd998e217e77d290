package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docindex/internal/config"
	"docindex/internal/database"
	"docindex/internal/database/migration"
	"docindex/internal/logger"
	"docindex/internal/messaging"
	"docindex/internal/ocr"
	"docindex/internal/reconcile"
	"docindex/internal/repository/postgres"
	"docindex/internal/search"
	"docindex/internal/storage"
)

// env is what every subcommand needs before touching a store.
type env struct {
	cfg *config.AppConfig
	log *zap.Logger
	db  *sql.DB
}

func setup(ctx context.Context) (*env, func(), error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	db, err := database.NewPostgres(ctx, cfg.Database, zl)
	if err != nil {
		return nil, nil, err
	}
	return &env{cfg: cfg, log: zl, db: db}, func() {
		_ = db.Close()
		_ = zl.Sync()
	}, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the documents schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, done, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			return migration.EnsureMigrated(cmd.Context(), e.db, e.log)
		},
	}
}

func newSweepCmd() *cobra.Command {
	var (
		dryRun bool
		grace  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete blobs that have no document record",
		Long: `Sweep lists every blob in the bucket and deletes those older than the grace
period whose document record does not exist. These are left behind when a
create failed and its rollback could not reach the blob store.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, done, err := setup(ctx)
			if err != nil {
				return err
			}
			defer done()

			objects, err := storage.NewMinIO(ctx, e.cfg.MinIO)
			if err != nil {
				return err
			}
			if grace == 0 {
				grace = e.cfg.ReconcileGrace
			}
			s := reconcile.NewSweeper(objects, storage.NewDocumentBlobs(objects, e.log),
				postgres.NewDocumentPostgres(e.db), grace, dryRun, e.log)
			report, err := s.Sweep(ctx)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report orphans without deleting them")
	cmd.Flags().DurationVar(&grace, "grace", 0, "minimum blob age (default RECONCILE_GRACE)")
	return cmd
}

func newRepublishCmd() *cobra.Command {
	var (
		dryRun bool
		grace  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "republish",
		Short: "Publish upload events again for documents with no indexed text",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, done, err := setup(ctx)
			if err != nil {
				return err
			}
			defer done()

			index, err := search.NewElastic(e.cfg.Elasticsearch, e.log)
			if err != nil {
				return err
			}
			router, err := messaging.NewRouter(e.cfg.RabbitMQ.Queues)
			if err != nil {
				return err
			}
			broker := messaging.NewClient(e.cfg.RabbitMQ, router, "docctl", e.log)
			defer broker.Close()

			if grace == 0 {
				grace = e.cfg.ReconcileGrace
			}
			objects, err := storage.NewMinIO(ctx, e.cfg.MinIO)
			if err != nil {
				return err
			}
			accepts, err := ocr.Accepts(e.cfg.OCR.Engine)
			if err != nil {
				return err
			}
			p := reconcile.NewRepublisher(postgres.NewDocumentPostgres(e.db), index, broker, grace, dryRun, e.log,
				reconcile.SkipUnindexable(objects, accepts))
			report, err := p.Republish(ctx)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report unindexed documents without publishing")
	cmd.Flags().DurationVar(&grace, "grace", 0, "minimum document age (default RECONCILE_GRACE)")
	return cmd
}

func printReport(w io.Writer, r reconcile.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
