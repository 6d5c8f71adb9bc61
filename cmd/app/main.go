package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"billing-engine/internal/config"
	pg "billing-engine/internal/infra/db/postgres"
	"billing-engine/internal/infra/logging"
	"billing-engine/internal/infra/metrics"
	pay "billing-engine/internal/infra/payment"
	red "billing-engine/internal/infra/redis"
	"billing-engine/internal/infra/sched"
	"billing-engine/internal/infra/web"
	"billing-engine/internal/usecase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, sandbox defaults)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, *devMode)
	if *devMode {
		logger.Warn().Msg("developer mode enabled")
	}

	metrics.MustRegister()

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, int32(cfg.Database.PoolSize))
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connect failed")
	}
	defer pool.Close()

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connect failed")
	}
	rateLimiter := red.NewRateLimiter(redisClient)

	// ---- Repositories ----
	userRepo := pg.NewUserRepo(pool)
	planRepo := pg.NewPlanRepoCacheDecorator(pg.NewPlanRepo(pool), redisClient, cfg.Redis.TTL)
	subRepo := pg.NewSubscriptionRepo(pool)
	payRepo := pg.NewPaymentRepo(pool)
	tm := pg.NewTxManager(pool)

	// ---- Gateways ----
	registry := pay.NewRegistry(
		pay.NewCardGateway(pay.Config{
			APIKey:        cfg.Gateways.Card.APIKey,
			WebhookSecret: cfg.Gateways.Card.WebhookSecret,
			BaseURL:       cfg.Gateways.Card.BaseURL,
			Sandbox:       cfg.Gateways.Card.Sandbox || *devMode,
		}),
		pay.NewWalletGateway(pay.Config{
			APIKey:        cfg.Gateways.Wallet.APIKey,
			WebhookSecret: cfg.Gateways.Wallet.WebhookSecret,
			BaseURL:       cfg.Gateways.Wallet.BaseURL,
			Sandbox:       cfg.Gateways.Wallet.Sandbox || *devMode,
		}),
	)

	// ---- Use cases ----
	subUC := usecase.NewSubscriptionUseCase(subRepo, planRepo, tm, logger)
	payUC := usecase.NewPaymentUseCase(payRepo, planRepo, userRepo, registry, subUC, logger)
	webhookUC := usecase.NewWebhookUseCase(registry, payRepo, payUC, logger)

	// ---- HTTP ----
	auth := web.NewAuthManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	handlers := web.NewHandlers(payUC, subUC, webhookUC, rateLimiter, cfg.Webhook.RateLimit, cfg.Webhook.RateWindow, logger)
	server := web.NewServer(cfg, handlers, auth, logger)

	// ---- Reconciler ----
	if cfg.Reconciler.Enabled {
		reconciler := sched.NewPaymentReconciler(payUC, payRepo, cfg.Reconciler.Interval, cfg.Reconciler.StaleAfter, logger)
		go reconciler.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
	}
}
