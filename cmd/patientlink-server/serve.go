package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/ehr/patientlink/internal/domain/identity"
	"github.com/ehr/patientlink/internal/domain/linkage"
	"github.com/ehr/patientlink/internal/domain/scheduling"
	"github.com/ehr/patientlink/internal/intake"
	"github.com/ehr/patientlink/internal/platform/auth"
	"github.com/ehr/patientlink/internal/platform/db"
	"github.com/ehr/patientlink/internal/platform/middleware"
	"github.com/ehr/patientlink/internal/platform/outbox"
	"github.com/ehr/patientlink/internal/platform/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.pool.Close()
	logger := a.logger
	cfg := a.cfg
	logger.Info().Str("version", version).Msg("connected to database")

	tp, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		ServiceName:    "patientlink",
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.OTELSampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	e := a.newRouter(db.TenantMiddleware(a.pool, cfg.DefaultTenant))
	e.GET("/health/db", db.HealthHandler(a.pool))

	if cfg.OutboxEnabled() {
		stopRelay, err := a.startRelay(ctx, cfg.DefaultTenant)
		if err != nil {
			return err
		}
		defer stopRelay()
	} else {
		logger.Warn().Msg("KAFKA_BROKERS not set, outbox events stay in the database until 'outbox relay' runs")
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newRouter builds the echo instance. tenantMW is nil in tests that do not
// touch the database.
func (a *app) newRouter(tenantMW echo.MiddlewareFunc) *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))
	e.Use(telemetry.TracingMiddleware())
	e.Use(a.metrics.Middleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	api := e.Group("/api/v1")
	if cfg.JWTEnabled() {
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	} else {
		api.Use(auth.DevAuthMiddleware())
	}

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	api.Use(middleware.RateLimit(rl))
	if cfg.RequestTimeout > 0 {
		api.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/api/v1/imports", "/api/v1/linking"))
	}
	if tenantMW != nil {
		api.Use(tenantMW)
	}

	identity.NewHandler(a.identity).RegisterRoutes(api)
	scheduling.NewHandler(a.appts).RegisterRoutes(api)
	linkage.NewHandler(a.linker).RegisterRoutes(api)
	intake.NewHandler(a.importer).RegisterRoutes(api)

	return e
}

// startRelay runs the outbox relay for one tenant in the background and
// returns a function that stops it and closes the Kafka client.
func (a *app) startRelay(ctx context.Context, tenant string) (func(), error) {
	kafka, err := outbox.NewKafkaPublisher(a.cfg.KafkaBrokers)
	if err != nil {
		return nil, err
	}
	pub := outbox.NewBreakerPublisher(kafka, outbox.BreakerConfig{Name: "kafka-" + tenant}, a.logger)
	relay := outbox.NewRelay(a.events, a.tx, pub, outbox.RelayConfig{PollInterval: a.cfg.RelayInterval}, a.logger, a.metrics)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := db.WithTenantConn(ctx, a.pool, tenant, relay.Run); err != nil && ctx.Err() == nil {
			a.logger.Error().Err(err).Str("tenant", tenant).Msg("outbox relay exited")
		}
	}()

	return func() {
		cancel()
		<-done
		kafka.Close()
	}, nil
}
