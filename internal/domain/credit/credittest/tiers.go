package credittest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/inkgen/inkgen-api/internal/domain/user"
)

// Tiers is an in-memory credit.TierStore. Unknown users read as default.
type Tiers struct {
	mu        sync.Mutex
	tiers     map[uuid.UUID]user.Tier
	UpdateErr error
	GetErr    error
}

func NewTiers() *Tiers {
	return &Tiers{tiers: map[uuid.UUID]user.Tier{}}
}

func (t *Tiers) Set(userID uuid.UUID, tier user.Tier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tiers[userID] = tier
}

func (t *Tiers) Tier(userID uuid.UUID) user.Tier {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tier, ok := t.tiers[userID]; ok {
		return tier
	}
	return user.TierDefault
}

func (t *Tiers) GetTier(ctx context.Context, userID uuid.UUID) (user.Tier, error) {
	if t.GetErr != nil {
		return "", t.GetErr
	}
	return t.Tier(userID), nil
}

func (t *Tiers) UpdateTier(ctx context.Context, userID uuid.UUID, tier user.Tier) error {
	if t.UpdateErr != nil {
		return t.UpdateErr
	}
	t.Set(userID, tier)
	return nil
}
