package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

// Repository defines user data access interface
type Repository interface {
	// Ensure inserts a bare row for an id issued by the auth service, if missing.
	Ensure(ctx context.Context, id uuid.UUID, email string) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetTier(ctx context.Context, id uuid.UUID) (Tier, error)
	UpdateTier(ctx context.Context, id uuid.UUID, tier Tier) error
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates new user repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Ensure(ctx context.Context, id uuid.UUID, email string) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		INSERT INTO users (id, email)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, id, email)
	if err != nil {
		return fmt.Errorf("user repository ensure: %w", err)
	}
	return nil
}

// GetByID returns user by ID
func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var u User
	err := r.db.GetContext(ctx2, &u, `
		SELECT id, email, name, role, tier, created_at, updated_at
		FROM users WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("user repository get: %w", err)
	}
	return &u, nil
}

func (r *repository) GetTier(ctx context.Context, id uuid.UUID) (Tier, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var tier Tier
	err := r.db.GetContext(ctx2, &tier, `SELECT tier FROM users WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("user repository get tier: %w", err)
	}
	return tier, nil
}

func (r *repository) UpdateTier(ctx context.Context, id uuid.UUID, tier Tier) error {
	if tier != TierDefault && tier != TierPaid {
		return ErrInvalidTier
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx2, `
		UPDATE users SET tier = $2, updated_at = NOW() WHERE id = $1
	`, id, tier)
	if err != nil {
		return fmt.Errorf("user repository update tier: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("user repository rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
