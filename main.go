package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vessel_ingest/config"
	"vessel_ingest/httputil"
	"vessel_ingest/logging"
	"vessel_ingest/notify"
	"vessel_ingest/scraper"
	"vessel_ingest/storage"
)

var rootCmd = &cobra.Command{
	Use:   "vessel-ingest",
	Short: "Vessel listing ingestion pipeline",
	Long: `vessel-ingest scrapes broker listing pages, stages what it sees, diffs it
against the canonical vessel records and applies the changes behind a
health-gated circuit breaker. Changes reach subscribers through a
notification outbox.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(
		runCmd(),
		daemonCmd(),
		dispatchCmd(),
		alertsCmd(),
		statusCmd(),
		triggerCmd(),
		migrateCmd(),
	)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app holds what every command needs. close releases it in reverse order.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   storage.Store
	clients *httputil.Clients
	closers []func()
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("set up logging: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, clients: httputil.NewClients()}
	a.closers = append(a.closers, func() { _ = logger.Sync() })

	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func() { store.Close() })

	logger.Info("config loaded",
		zap.String("db_driver", cfg.Database.Driver),
		zap.Strings("sources", cfg.SourceKeys()),
	)
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func openStore(ctx context.Context, db config.DatabaseConfig, logger *zap.Logger) (storage.Store, error) {
	switch db.Driver {
	case "postgres":
		if db.URL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
		if err := storage.MigratePostgres(db.URL); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		store, err := storage.NewPostgresStore(ctx, db.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		logger.Info("connected to postgres", zap.String("url", maskConnectionString(db.URL)))
		return store, nil
	case "sqlite", "":
		store, err := storage.NewSQLiteStore(ctx, db.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Info("sqlite database", zap.String("path", db.Path))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", db.Driver)
	}
}

// orchestrator wires adapters, the optional archive and the alert sink.
func (a *app) orchestrator(ctx context.Context, provider notify.Provider) (*scraper.Orchestrator, error) {
	reg, closeAdapters, err := scraper.BuildRegistry(a.cfg, a.clients, a.logger)
	if err != nil {
		return nil, fmt.Errorf("build adapters: %w", err)
	}
	a.closers = append(a.closers, closeAdapters)

	orch := scraper.NewOrchestrator(a.cfg, a.store, reg, a.logger)
	if provider != nil {
		orch.SetAlertSink(provider)
	}

	if a.cfg.Archive.Enabled() {
		archiver, err := storage.NewS3Archiver(ctx, storage.S3Config{
			Bucket:          a.cfg.Archive.Bucket,
			Region:          a.cfg.Archive.Region,
			Endpoint:        a.cfg.Archive.Endpoint,
			AccessKeyID:     a.cfg.Archive.AccessKey,
			SecretAccessKey: a.cfg.Archive.SecretKey,
			Prefix:          a.cfg.Archive.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("set up archive: %w", err)
		}
		orch.SetArchiver(archiver)
		a.logger.Info("staging archive enabled", zap.String("bucket", a.cfg.Archive.Bucket))
	}
	return orch, nil
}

func (a *app) provider() (notify.Provider, error) {
	p, err := notify.New(a.cfg.Notify, a.clients, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = p.Close() })
	return p, nil
}

// maskConnectionString hides the password of a URL-style connection string.
func maskConnectionString(connStr string) string {
	scheme := strings.Index(connStr, "://")
	if scheme < 0 {
		return connStr
	}
	rest := connStr[scheme+3:]
	at := strings.Index(rest, "@")
	if at < 0 {
		return connStr
	}
	colon := strings.Index(rest[:at], ":")
	if colon < 0 {
		return connStr
	}
	return connStr[:scheme+3] + rest[:colon+1] + "****" + rest[at:]
}
