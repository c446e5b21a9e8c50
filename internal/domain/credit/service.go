package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/inkgen/inkgen-api/internal/domain/user"
)

const defaultSweepBatch = 500

// TierStore is the user tier side channel touched by activation and refund.
type TierStore interface {
	GetTier(ctx context.Context, userID uuid.UUID) (user.Tier, error)
	UpdateTier(ctx context.Context, userID uuid.UUID, tier user.Tier) error
}

// Service owns balance queries, the FIFO-by-expiry deduction and the expiry sweep.
type Service struct {
	ledger Ledger
	tiers  TierStore
	now    func() time.Time
}

// NewService creates a new credit service
func NewService(ledger Ledger, tiers TierStore) *Service {
	return &Service{
		ledger: ledger,
		tiers:  tiers,
		now:    time.Now,
	}
}

// SetClock overrides the time source (tests).
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Now returns the service clock.
func (s *Service) Now() time.Time {
	return s.now()
}

// Ledger exposes the backing store for collaborators that share it.
func (s *Service) Ledger() Ledger {
	return s.ledger
}

// GetTotalCredits returns the spendable balance of a user.
func (s *Service) GetTotalCredits(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.ledger.GetTotalValidCredits(ctx, userID, s.now())
}

// ActivateLot flips a pending lot to success exactly once and upgrades the
// user tier. A tier failure is returned as a warning, never as an error.
func (s *Service) ActivateLot(ctx context.Context, a Activation) (*ActivationResult, error) {
	if a.Credits <= 0 {
		return nil, ErrInvalidAmount
	}
	if a.ValidDays < 0 {
		return nil, ErrInvalidValidity
	}

	expiry := s.expiryFor(a.ValidDays)

	activated, err := s.ledger.Activate(ctx, a, expiry)
	if err != nil {
		return nil, err
	}

	result := &ActivationResult{Activated: activated, ExpiryDate: expiry}
	if !activated {
		log.Info().
			Str("lot_id", a.LotID.String()).
			Str("user_id", a.UserID.String()).
			Msg("Credit lot already activated or no longer pending")
		return result, nil
	}

	log.Info().
		Str("lot_id", a.LotID.String()).
		Str("user_id", a.UserID.String()).
		Int("credits", a.Credits).
		Int("valid_days", a.ValidDays).
		Msg("Credit lot activated")

	if w := s.upgradeTier(ctx, a.UserID); w != "" {
		result.Warnings = append(result.Warnings, w)
	}
	return result, nil
}

func (s *Service) upgradeTier(ctx context.Context, userID uuid.UUID) string {
	if s.tiers == nil {
		return ""
	}

	tier, err := s.tiers.GetTier(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID.String()).Msg("Tier lookup failed after activation")
		return "tier upgrade skipped: " + err.Error()
	}
	if tier == user.TierPaid {
		return ""
	}
	if err := s.tiers.UpdateTier(ctx, userID, user.TierPaid); err != nil {
		log.Warn().Err(err).Str("user_id", userID.String()).Msg("Tier upgrade failed after activation")
		return "tier upgrade failed: " + err.Error()
	}
	log.Info().Str("user_id", userID.String()).Msg("User upgraded to paid tier")
	return ""
}

// DeductCredits spends amount from the user's lots, soonest expiry first.
// The precheck and the walk run in one transaction over locked rows, so the
// whole amount is taken or nothing is.
func (s *Service) DeductCredits(ctx context.Context, userID uuid.UUID, amount int, reason string) (*DeductionResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	now := s.now()
	result := &DeductionResult{CreditsUsed: amount}

	err := s.ledger.WithTx(ctx, func(tx Ledger) error {
		total, err := tx.GetTotalValidCredits(ctx, userID, now)
		if err != nil {
			return err
		}
		if total < amount {
			return fmt.Errorf("%w: available %d, required %d", ErrInsufficientCredits, total, amount)
		}

		lots, err := tx.GetValidLots(ctx, userID, now)
		if err != nil {
			return err
		}

		owed := amount
		breakdown := make(Breakdown, 0, len(lots))
		for _, lot := range lots {
			if owed == 0 {
				break
			}
			take := min(lot.RemainingCredits, owed)
			if take <= 0 {
				continue
			}
			if err := tx.UpdateRemaining(ctx, lot.ID, lot.RemainingCredits-take); err != nil {
				return err
			}
			breakdown = append(breakdown, BreakdownItem{LotID: lot.ID, Amount: take})
			owed -= take
		}
		if owed > 0 {
			return fmt.Errorf("%w: lots of user %s cover %d less than their total", ErrInvariantViolation, userID, owed)
		}

		result.Breakdown = breakdown
		result.RemainingBalance = total - amount
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			log.Error().Err(err).Str("user_id", userID.String()).Int("amount", amount).Msg("Credit deduction aborted")
		}
		return nil, err
	}

	entry := &UsageLogEntry{
		UserID:      userID,
		CreditsUsed: amount,
		Reason:      reason,
		Breakdown:   result.Breakdown,
	}
	if err := s.ledger.AppendUsageLog(ctx, entry); err != nil {
		log.Error().Err(err).
			Str("user_id", userID.String()).
			Int("amount", amount).
			Interface("breakdown", result.Breakdown).
			Msg("Usage log write failed after deduction")
		result.Warnings = append(result.Warnings, "usage log not recorded: "+err.Error())
	} else {
		result.UsageLogID = entry.ID
	}

	log.Info().
		Str("user_id", userID.String()).
		Int("amount", amount).
		Str("reason", reason).
		Int("balance", result.RemainingBalance).
		Msg("Credits deducted")

	return result, nil
}

// CleanupExpiredCredits zeroes the balance of every expired success lot and
// returns the number of lots touched.
func (s *Service) CleanupExpiredCredits(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultSweepBatch
	}

	now := s.now()
	total := 0
	for {
		n, err := s.ledger.SweepExpired(ctx, now, batchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < batchSize {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// GetCreditsExpiringWithinDays lists spendable lots, across users, that
// expire in the next days days.
func (s *Service) GetCreditsExpiringWithinDays(ctx context.Context, days, limit int) ([]ExpiringLot, error) {
	return s.expiringPage(ctx, days, limit, 0)
}

func (s *Service) expiringPage(ctx context.Context, days, limit, offset int) ([]ExpiringLot, error) {
	if days < 0 {
		return nil, ErrInvalidValidity
	}

	now := s.now()
	until := now.AddDate(0, 0, days)
	status := StatusSuccess
	minRemaining := 1

	lots, err := s.ledger.ListLots(ctx, LotFilter{
		Status:       &status,
		ExpiryAfter:  &now,
		ExpiryBefore: &until,
		MinRemaining: &minRemaining,
		SortByExpiry: true,
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		return nil, err
	}

	out := make([]ExpiringLot, 0, len(lots))
	for _, lot := range lots {
		if lot.ExpiryDate == nil {
			continue
		}
		out = append(out, ExpiringLot{
			LotID:            lot.ID,
			UserID:           lot.UserID,
			RemainingCredits: lot.RemainingCredits,
			ExpiryDate:       *lot.ExpiryDate,
		})
	}
	return out, nil
}

// ValidateSufficientCredits is a preflight check only; a concurrent spend
// can still make the later deduction fail.
func (s *Service) ValidateSufficientCredits(ctx context.Context, userID uuid.UUID, required int) (*Sufficiency, error) {
	if required <= 0 {
		return nil, ErrInvalidAmount
	}

	available, err := s.GetTotalCredits(ctx, userID)
	if err != nil {
		return nil, err
	}

	res := &Sufficiency{Sufficient: available >= required, Available: available}
	if !res.Sufficient {
		res.Shortfall = required - available
	}
	return res, nil
}

// GetSummary aggregates the user's spendable lots.
func (s *Service) GetSummary(ctx context.Context, userID uuid.UUID, withinDays int) (*Summary, error) {
	now := s.now()
	lots, err := s.ledger.GetValidLots(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	soon := now.AddDate(0, 0, withinDays)
	sum := &Summary{ExpiringWithinDays: withinDays}
	for i := range lots {
		lot := lots[i]
		sum.TotalCredits += lot.RemainingCredits
		sum.ActiveLots++
		if lot.ExpiryDate == nil {
			continue
		}
		if sum.NextExpiryDate == nil || lot.ExpiryDate.Before(*sum.NextExpiryDate) {
			sum.NextExpiryDate = lot.ExpiryDate
		}
		if !lot.ExpiryDate.After(soon) {
			sum.ExpiringSoon += lot.RemainingCredits
			sum.ExpiringSoonLots++
		}
	}
	return sum, nil
}

// GrantCredits creates an already active system lot, e.g. support compensation.
func (s *Service) GrantCredits(ctx context.Context, userID uuid.UUID, credits, validDays int, reason string) (*Lot, error) {
	if credits <= 0 {
		return nil, ErrInvalidAmount
	}
	if validDays < 0 {
		return nil, ErrInvalidValidity
	}

	lot := &Lot{
		UserID:           userID,
		AmountPaid:       decimal.Zero,
		Currency:         "USD",
		CreditsAdded:     credits,
		RemainingCredits: credits,
		Status:           StatusSuccess,
		Method:           MethodSystem,
		ValidDays:        validDays,
		ExpiryDate:       s.expiryFor(validDays),
	}
	if reason != "" {
		lot.ChargeType = &reason
	}

	if err := s.ledger.Create(ctx, lot); err != nil {
		return nil, err
	}

	log.Info().
		Str("lot_id", lot.ID.String()).
		Str("user_id", userID.String()).
		Int("credits", credits).
		Str("reason", reason).
		Msg("System credits granted")
	return lot, nil
}

// RefundLot claws back the unused balance of a success lot and downgrades
// the user when no other paid lot remains. Lots that never delivered credits
// only get their capture status annotated.
func (s *Service) RefundLot(ctx context.Context, lot *Lot) (*RefundResult, error) {
	switch lot.Status {
	case StatusRefund:
		return nil, fmt.Errorf("%w: lot %s already refunded", ErrInvariantViolation, lot.ID)
	case StatusPending, StatusFailed:
		if err := s.ledger.AnnotateCaptureStatus(ctx, lot.ID, CaptureStatusRefunded); err != nil {
			return nil, err
		}
		log.Info().
			Str("lot_id", lot.ID.String()).
			Str("status", string(lot.Status)).
			Msg("Refund recorded on lot without credits")
		return &RefundResult{}, nil
	}

	clawed, ok, err := s.ledger.MarkRefunded(ctx, lot.ID, CaptureStatusRefunded)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: lot %s left success before refund", ErrInvariantViolation, lot.ID)
	}

	result := &RefundResult{Refunded: true, ClawedBack: clawed}
	log.Info().
		Str("lot_id", lot.ID.String()).
		Str("user_id", lot.UserID.String()).
		Int("clawed_back", clawed).
		Msg("Credit lot refunded")

	hasOther, err := s.ledger.HasOtherPaidLots(ctx, lot.UserID, lot.ID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", lot.UserID.String()).Msg("Paid lot lookup failed after refund")
		result.Warnings = append(result.Warnings, "tier check skipped: "+err.Error())
		return result, nil
	}
	if hasOther || s.tiers == nil {
		return result, nil
	}

	if err := s.tiers.UpdateTier(ctx, lot.UserID, user.TierDefault); err != nil {
		log.Warn().Err(err).Str("user_id", lot.UserID.String()).Msg("Tier downgrade failed after refund")
		result.Warnings = append(result.Warnings, "tier downgrade failed: "+err.Error())
		return result, nil
	}
	result.TierDowngraded = true
	log.Info().Str("user_id", lot.UserID.String()).Msg("User downgraded to default tier")
	return result, nil
}

// FailStalePending fails pending lots older than ttl.
func (s *Service) FailStalePending(ctx context.Context, ttl time.Duration, batchSize int) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = defaultSweepBatch
	}

	cutoff := s.now().Add(-ttl)
	total := 0
	for {
		n, err := s.ledger.FailStalePending(ctx, cutoff, batchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < batchSize {
			return total, nil
		}
	}
}

// ListLots returns the user's lot history, newest first.
func (s *Service) ListLots(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Lot, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.ledger.ListLots(ctx, LotFilter{UserID: &userID, Limit: limit, Offset: offset})
}

// ListUsage returns the user's usage log, newest first.
func (s *Service) ListUsage(ctx context.Context, userID uuid.UUID, limit, offset int) ([]UsageLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.ledger.ListUsage(ctx, userID, limit, offset)
}

// A zero validity never expires.
func (s *Service) expiryFor(validDays int) *time.Time {
	if validDays == 0 {
		return nil
	}
	t := s.now().AddDate(0, 0, validDays)
	return &t
}
