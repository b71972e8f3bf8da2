package main

import (
	"context"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/patientlink/internal/config"
	"github.com/ehr/patientlink/internal/domain/identity"
	"github.com/ehr/patientlink/internal/domain/linkage"
	"github.com/ehr/patientlink/internal/domain/scheduling"
	"github.com/ehr/patientlink/internal/intake"
	"github.com/ehr/patientlink/internal/platform/db"
	"github.com/ehr/patientlink/internal/platform/outbox"
	"github.com/ehr/patientlink/internal/platform/telemetry"
)

const version = "0.3.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "patientlink-server",
		Short:        "Patient identity resolution and appointment linking service",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(linkCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(outboxCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}

// app holds the services shared by the HTTP server and the CLI commands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	registry *prometheus.Registry
	metrics  *telemetry.Metrics

	tx       db.Transactor
	events   *outbox.Store
	identity *identity.Service
	appts    *scheduling.Service
	linker   *linkage.Engine
	importer *intake.Importer
}

func newApp(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool) *app {
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	tx := db.NewTxRunner(pool)
	events := outbox.NewStore(pool, cfg.KafkaTopic)

	patientRepo := identity.NewPatientRepo(pool)
	apptRepo := scheduling.NewAppointmentRepo(pool)
	linkRepo := linkage.NewLinkRepo(pool)

	identitySvc := identity.NewService(patientRepo, tx, events, logger)
	identitySvc.SetHumanIDGenerator(identity.NewHumanIDGenerator(cfg.HumanIDPrefix))
	identitySvc.SetMetrics(metrics)

	apptSvc := scheduling.NewService(apptRepo, logger)

	engine := linkage.NewEngine(patientRepo, apptRepo, linkRepo, tx, events, logger)
	engine.SetMetrics(metrics)
	engine.SetDefaultWindow(cfg.LinkWindowDays)

	importer := intake.NewImporter(apptSvc, identitySvc, engine, logger)
	importer.SetMetrics(metrics)
	importer.SetWindowDays(cfg.LinkWindowDays)

	return &app{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		registry: reg,
		metrics:  metrics,
		tx:       tx,
		events:   events,
		identity: identitySvc,
		appts:    apptSvc,
		linker:   engine,
		importer: importer,
	}
}

// bootstrap loads and validates configuration and opens the pool. The
// caller closes the pool.
func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, err
	}
	return newApp(cfg, logger, pool), nil
}

func tenantFlag(cmd *cobra.Command, cfg *config.Config) string {
	if t, _ := cmd.Flags().GetString("tenant"); t != "" {
		return t
	}
	return cfg.DefaultTenant
}
