package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inkgen/inkgen-api/internal/config"
	"github.com/inkgen/inkgen-api/internal/domain/credit"
	"github.com/inkgen/inkgen-api/internal/domain/payment"
	"github.com/inkgen/inkgen-api/internal/domain/user"
	"github.com/inkgen/inkgen-api/internal/middleware"
	"github.com/inkgen/inkgen-api/internal/pkg/database"
	"github.com/inkgen/inkgen-api/internal/pkg/email"
	"github.com/inkgen/inkgen-api/internal/pkg/jwt"
	"github.com/inkgen/inkgen-api/internal/pkg/lock"
	"github.com/inkgen/inkgen-api/internal/pkg/logger"
	"github.com/inkgen/inkgen-api/internal/pkg/paypal"
	"github.com/inkgen/inkgen-api/internal/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, LogFile: cfg.LogFile}); err != nil {
		log.Fatal().Err(err).Msg("Failed to init logger")
	}

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting InkGen API")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), time.Minute)
	if err := database.Migrate(migrateCtx, db); err != nil {
		cancelMigrate()
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}
	cancelMigrate()

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, continuing without scheduler lock and webhook dedupe")
		rdb = nil
	}
	defer database.CloseRedis(rdb)
	locker := lock.NewRedisLocker(rdb)

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)

	// ---------- Credits ----------
	userRepo := user.NewRepository(db)
	creditService := credit.NewService(credit.NewRepository(db), userRepo)
	creditHandler := credit.NewHandler(creditService, cfg.CreditReminderWindowDays)

	// ---------- Payments ----------
	paypalClient := paypal.NewClient(paypal.Config{
		BaseURL:      cfg.PayPalBaseURL,
		ClientID:     cfg.PayPalClientID,
		ClientSecret: cfg.PayPalClientSecret,
		Timeout:      cfg.PayPalTimeout,
	})
	if cfg.PayPalClientID == "" {
		log.Warn().Msg("PayPal credentials not configured, checkout calls will fail")
	}

	frontend := strings.TrimRight(cfg.FrontendURL, "/")
	orderService := payment.NewOrderService(creditService, paypalClient, payment.DefaultCatalogue(), payment.OrderConfig{
		Currency:  cfg.PaymentCurrency,
		ReturnURL: frontend + "/payment/return",
		CancelURL: frontend + "/payment/cancel",
	})

	if !cfg.WebhookVerificationEnabled() {
		log.Warn().Msg("PAYPAL_WEBHOOK_ID not set, webhook signatures are NOT verified")
	}
	reconciler := payment.NewReconciler(creditService, paypalClient, deduper(locker), webhookArchive(cfg), payment.ReconcilerConfig{
		WebhookID: cfg.PayPalWebhookID,
	})
	paymentHandler := payment.NewHandler(orderService, reconciler)

	// ---------- Scheduler ----------
	var scheduler *credit.CleanupScheduler
	if cfg.CreditSchedulerEnabled {
		scheduler = newCleanupScheduler(cfg, creditService, userRepo, locker)
		scheduler.Start(context.Background())
	}

	// ---------- Router ----------
	jwtAuth := middleware.Auth(jwtService)
	provision := middleware.EnsureUser(userRepo)
	authMiddleware := func(next http.Handler) http.Handler {
		return jwtAuth(provision(next))
	}

	r := newRouter(routerDeps{
		allowedOrigins: cfg.AllowedOrigins,
		auth:           authMiddleware,
		credits:        creditHandler,
		payments:       paymentHandler,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if scheduler != nil {
		scheduler.Stop()
	}

	log.Info().Msg("Server exited properly")
}

func newCleanupScheduler(cfg *config.Config, credits *credit.Service, users user.Repository, locker *lock.RedisLocker) *credit.CleanupScheduler {
	mailer := email.NewService(email.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.EmailFrom,
		FromName:  cfg.EmailFromName,
	})
	if cfg.SendGridAPIKey == "" {
		log.Warn().Msg("SendGrid not configured, expiry reminders will be reported as failures")
	}
	notifier := credit.NewEmailNotifier(users, mailer, cfg.CreditReminderWindowDays,
		strings.TrimRight(cfg.FrontendURL, "/")+"/credits")

	var l credit.Locker
	if locker.Enabled() {
		l = locker
	} else {
		log.Warn().Msg("Cleanup scheduler running without a distributed lock")
	}

	return credit.NewCleanupScheduler(credits, notifier, l, credit.CleanupConfig{
		Interval:           cfg.CreditCleanupInterval,
		ReminderWindowDays: cfg.CreditReminderWindowDays,
		BatchSize:          cfg.CreditSweepBatchSize,
		ReminderPageSize:   cfg.CreditSweepBatchSize,
		PendingTTL:         cfg.PendingLotTTL,
	})
}

func deduper(locker *lock.RedisLocker) payment.EventDeduper {
	if !locker.Enabled() {
		return nil
	}
	return locker
}

func webhookArchive(cfg *config.Config) payment.Archiver {
	switch {
	case cfg.ArchiveEnabled():
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r2, err := storage.NewR2Storage(ctx, storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			AccessKeySecret: cfg.R2AccessKeySecret,
			BucketName:      cfg.R2BucketName,
			Endpoint:        cfg.R2Endpoint,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to create R2 storage, webhook archive disabled")
			return nil
		}
		log.Info().Str("bucket", cfg.R2BucketName).Msg("Webhook archive on R2")
		return storage.NewWebhookArchive(r2)
	case cfg.WebhookArchiveDir != "":
		local, err := storage.NewLocalStorage(cfg.WebhookArchiveDir)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create local storage, webhook archive disabled")
			return nil
		}
		log.Info().Str("dir", cfg.WebhookArchiveDir).Msg("Webhook archive on local disk")
		return storage.NewWebhookArchive(local)
	default:
		return nil
	}
}
