// Command credit-worker runs the credit cleanup scheduler outside the API
// process. Use -once from cron; without it the worker loops until signalled.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inkgen/inkgen-api/internal/config"
	"github.com/inkgen/inkgen-api/internal/domain/credit"
	"github.com/inkgen/inkgen-api/internal/domain/user"
	"github.com/inkgen/inkgen-api/internal/pkg/database"
	"github.com/inkgen/inkgen-api/internal/pkg/email"
	"github.com/inkgen/inkgen-api/internal/pkg/lock"
	"github.com/inkgen/inkgen-api/internal/pkg/logger"
)

func main() {
	once := flag.Bool("once", false, "run a single cleanup pass, print the report and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, LogFile: cfg.LogFile}); err != nil {
		log.Fatal().Err(err).Msg("Failed to init logger")
	}

	log.Info().Bool("once", *once).Msg("Starting credit-worker")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, running without the leader lock")
		rdb = nil
	}
	defer database.CloseRedis(rdb)

	users := user.NewRepository(db)
	credits := credit.NewService(credit.NewRepository(db), users)

	mailer := email.NewService(email.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.EmailFrom,
		FromName:  cfg.EmailFromName,
	})
	notifier := credit.NewEmailNotifier(users, mailer, cfg.CreditReminderWindowDays,
		strings.TrimRight(cfg.FrontendURL, "/")+"/credits")

	var locker credit.Locker
	if rdb != nil {
		locker = lock.NewRedisLocker(rdb)
	}

	scheduler := credit.NewCleanupScheduler(credits, notifier, locker, credit.CleanupConfig{
		Interval:           cfg.CreditCleanupInterval,
		ReminderWindowDays: cfg.CreditReminderWindowDays,
		BatchSize:          cfg.CreditSweepBatchSize,
		ReminderPageSize:   cfg.CreditSweepBatchSize,
		PendingTTL:         cfg.PendingLotTTL,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		runCtx, runCancel := context.WithTimeout(ctx, 10*time.Minute)
		defer runCancel()

		report, err := scheduler.RunOnce(runCtx)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		if err != nil {
			log.Error().Err(err).Msg("Credit cleanup failed")
			os.Exit(1)
		}
		return
	}

	scheduler.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan
	log.Info().Msg("Shutdown signal received")

	scheduler.Stop()
	log.Info().Msg("credit-worker stopped")
}
