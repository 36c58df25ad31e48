package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rcm/rcm/internal/adjudication"
	"github.com/rcm/rcm/internal/config"
	"github.com/rcm/rcm/internal/domain/claims"
	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/internal/platform/db"
	"github.com/rcm/rcm/internal/platform/llm"
	"github.com/rcm/rcm/internal/platform/metrics"
	"github.com/rcm/rcm/internal/platform/middleware"
	"github.com/rcm/rcm/internal/platform/webhook"
	"github.com/rcm/rcm/internal/rules"
)

const (
	version     = "0.1.0"
	tokenIssuer = "rcm-server"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rcm-server",
		Short: "Claims adjudication API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(validateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the claims API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// newEnricher returns nil when no text-generation key is configured.
func newEnricher(cfg *config.Config, logger zerolog.Logger, observe func(adjudication.EnrichOutcome)) *adjudication.Enricher {
	if !cfg.EnrichmentEnabled() {
		return nil
	}
	refiner := llm.NewGeminiRefiner(llm.Config{
		APIKey:   cfg.GoogleAPIKey,
		Model:    cfg.GeminiModel,
		Timeout:  cfg.EnrichTimeout,
		RetryMax: 1,
		Logger:   logger.With().Str("component", "gemini").Logger(),
	})
	opts := []adjudication.EnricherOption{
		adjudication.WithTimeout(cfg.EnrichTimeout),
		adjudication.WithMaxAttempts(cfg.EnrichMaxAttempts),
		adjudication.WithLogger(logger),
	}
	if observe != nil {
		opts = append(opts, adjudication.WithObserver(observe))
	}
	return adjudication.NewEnricher(refiner, opts...)
}

// serverDeps wires newServer. tenant resolves the tenant and, when serving,
// pins its connection; tenantOnly resolves it for routes that never query
// and defaults to tenant.
type serverDeps struct {
	cfg        *config.Config
	logger     zerolog.Logger
	claims     *claims.Service
	login      *auth.LoginHandler
	metrics    *metrics.Collector
	tenant     echo.MiddlewareFunc
	tenantOnly echo.MiddlewareFunc
	ready      echo.HandlerFunc
}

func newServer(d serverDeps) *echo.Echo {
	cfg := d.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(d.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))
	e.Use(d.metrics.Middleware())
	e.Use(middleware.BodyLimit(1<<20, cfg.MaxUploadMB<<20, "/upload"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/metrics"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if d.ready != nil {
		e.GET("/health/db", d.ready)
	}
	e.GET("/metrics", d.metrics.Handler())

	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 || rateLimitCfg.BurstSize <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	if d.login != nil {
		d.login.RegisterRoutes(apiV1, middleware.RateLimit(middleware.LoginRateLimitConfig()))
	}

	jwtCfg := auth.JWTConfig{
		SigningKey: []byte(cfg.JWTSecret),
		Issuer:     tokenIssuer,
		Skipper:    auth.AuthSkipper,
	}
	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg, cfg.DefaultTenant)
	}

	tenantOnly := d.tenantOnly
	if tenantOnly == nil {
		tenantOnly = d.tenant
	}
	stored := apiV1.Group("", authMW, d.tenant)
	stateless := apiV1.Group("", authMW, tenantOnly)
	claims.NewHandler(d.claims).RegisterRoutes(stored, stateless)

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	collector := metrics.NewCollector()

	loader := rules.NewLoader(cfg.RulesDir, rules.WithFallback(), rules.WithLogger(logger))
	enricher := newEnricher(cfg, logger, collector.ObserveEnrichment)
	if enricher == nil {
		logger.Warn().Msg("GOOGLE_API_KEY not set; explanations use rule text only")
	}

	svc := claims.NewService(claims.NewClaimRepoPG(pool), claims.NewAuditRepoPG(pool), loader, logger)
	svc.SetEnricher(enricher)
	svc.SetRecorder(collector)
	svc.SetTxRunner(db.RunInTx)
	svc.SetWorkers(cfg.BatchWorkers)

	var dispatcher *webhook.Dispatcher
	if len(cfg.WebhookURLs) > 0 {
		dispatcher, err = webhook.NewDispatcher(
			webhook.EndpointsFromURLs(cfg.WebhookURLs, cfg.WebhookSecret),
			webhook.WithMaxRetries(cfg.WebhookMaxRetries),
			webhook.WithLogger(logger.With().Str("component", "webhook").Logger()),
		)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid webhook configuration")
		}
		svc.SetNotifier(dispatcher)
		logger.Info().Int("endpoints", len(cfg.WebhookURLs)).Msg("webhooks enabled")
	}

	issuer, err := auth.NewTokenIssuer([]byte(cfg.JWTSecret), tokenIssuer, time.Duration(cfg.JWTAccessMinutes)*time.Minute)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure token issuer")
	}
	login := auth.NewLoginHandler(issuer, auth.Account{
		Username: cfg.AdminUsername,
		Password: cfg.AdminPassword,
		Roles:    []string{auth.RoleAdmin, auth.RoleBilling},
	}, cfg.DefaultTenant, logger)

	e := newServer(serverDeps{
		cfg:        cfg,
		logger:     logger,
		claims:     svc,
		login:      login,
		metrics:    collector,
		tenant:     db.TenantMiddleware(pool, cfg.DefaultTenant),
		tenantOnly: db.TenantOnlyMiddleware(cfg.DefaultTenant),
		ready:      db.HealthHandler(pool),
	})

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	dispatcher.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
