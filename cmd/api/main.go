package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"credits-platform/internal/audit"
	"credits-platform/internal/auth"
	"credits-platform/internal/billing"
	"credits-platform/internal/checkout"
	"credits-platform/internal/config"
	"credits-platform/internal/credits"
	"credits-platform/internal/httpapi"
	"credits-platform/internal/idempotency"
	"credits-platform/internal/payment"
	"credits-platform/internal/pricing"
	"credits-platform/internal/processor"
	"credits-platform/internal/reporting"
	"credits-platform/migrations"
	"credits-platform/pkg/logger"
	"credits-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := utils.SetSnowflakeNode(int64(cfg.App.SnowflakeNode)); err != nil {
		log.Error("snowflake init failed", "err", err)
		os.Exit(1)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.App.AutoMigrate {
		if err := utils.RunMigrations(db.DB, migrations.FS, migrations.Dir); err != nil {
			log.Error("migrations failed", "err", err)
			os.Exit(1)
		}
		log.Info("migrations applied")
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	catalog, err := pricing.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		log.Error("catalog load failed", "path", cfg.Catalog.Path, "err", err)
		os.Exit(1)
	}

	guard, err := idempotency.NewGuard(
		idempotency.NewRedisStore(rdb, cfg.Idempotency.DoneTTL, cfg.Idempotency.ClaimTTL),
		cfg.Idempotency.CacheSize,
	)
	if err != nil {
		log.Error("idempotency guard init failed", "err", err)
		os.Exit(1)
	}

	providers := newPaymentRegistry(cfg.Payment)

	// One transactor for every store so a webhook's writes commit together.
	tx := utils.NewSQLTransactor(db)
	ledger := credits.NewLedger(credits.NewPostgresRepo(db), tx, cfg.Credits)
	billingSvc := billing.NewService(billing.NewPostgresRepo(db), tx)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	pricingSvc := pricing.NewService(catalog, cfg.Payment.Providers, cfg.Payment.DefaultProvider)

	h := httpapi.Handlers{
		Auth:    authManager,
		Ledger:  ledger,
		Billing: billingSvc,
		Pricing: pricingSvc,
		Checkout: checkout.NewService(pricingSvc, billingSvc, providers, auditSvc, checkout.Options{
			SuccessURL: cfg.Payment.SuccessURL,
			CancelURL:  cfg.Payment.CancelURL,
		}),
		Processor: processor.New(billingSvc, ledger, guard, tx),
		Providers: providers,
		Reporting: reporting.NewService(ledger, billingSvc),
		Audit:     auditSvc,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(httpapi.Metrics())
	r.Use(httpapi.ClientIP())

	webhookLimiter := httpapi.NewRateLimiter(cfg.RateLimit.WebhookRPS, cfg.RateLimit.WebhookBurst, 3*time.Minute)
	registerRoutes(r, h, auth.RequireAccessToken(authManager), webhookLimiter)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "providers", providers.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

func newPaymentRegistry(cfg config.PaymentConfig) *payment.Registry {
	reg := payment.NewRegistry()
	for _, name := range cfg.Providers {
		isDefault := name == cfg.DefaultProvider
		switch name {
		case "stripe":
			reg.Register(payment.NewStripeProvider(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret), isDefault)
		case "creem":
			reg.Register(payment.NewCreemProvider(cfg.Creem.APIKey, cfg.Creem.WebhookSecret, cfg.Creem.Environment), isDefault)
		}
	}
	return reg
}
