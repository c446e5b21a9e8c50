// Command debug_login issues an access token for local testing and prints the
// user's current credit summary.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/inkgen/inkgen-api/internal/config"
	"github.com/inkgen/inkgen-api/internal/domain/credit"
	"github.com/inkgen/inkgen-api/internal/domain/user"
	"github.com/inkgen/inkgen-api/internal/pkg/database"
	"github.com/inkgen/inkgen-api/internal/pkg/jwt"
	"github.com/inkgen/inkgen-api/internal/pkg/logger"
)

func main() {
	userFlag := flag.String("user", "", "user id (random when empty)")
	emailFlag := flag.String("email", "dev@inkgen.local", "email claim")
	roleFlag := flag.String("role", "user", "role claim (user or admin)")
	ttlFlag := flag.Duration("ttl", 0, "token lifetime (defaults to JWT_ACCESS_TTL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if cfg.IsProduction() {
		log.Fatal().Msg("debug_login refuses to run in production")
	}
	_ = logger.Init(logger.Config{Level: "warn", Environment: "development"})

	userID := uuid.New()
	if *userFlag != "" {
		if userID, err = uuid.Parse(*userFlag); err != nil {
			log.Fatal().Err(err).Msg("Invalid -user")
		}
	}

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	users := user.NewRepository(db)
	if err := users.Ensure(ctx, userID, *emailFlag); err != nil {
		log.Fatal().Err(err).Msg("Failed to provision user")
	}

	ttl := cfg.JWTAccessTTL
	if *ttlFlag > 0 {
		ttl = *ttlFlag
	}
	token, err := jwt.NewService(cfg.JWTSecret, ttl).GenerateAccessToken(userID, *emailFlag, *roleFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}

	summary, err := credit.NewService(credit.NewRepository(db), users).GetSummary(ctx, userID, cfg.CreditReminderWindowDays)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load credit summary")
	}

	fmt.Printf("user:  %s\nrole:  %s\ntoken: %s\n\n", userID, *roleFlag, token)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(summary)
}
