package credit

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LotStatus is the lifecycle state of a credit lot.
// Legal transitions: pending->success, pending->failed, success->refund.
type LotStatus string

const (
	StatusPending LotStatus = "pending"
	StatusSuccess LotStatus = "success"
	StatusFailed  LotStatus = "failed"
	StatusRefund  LotStatus = "refund"
)

// Method is how a lot was paid for.
type Method string

const (
	MethodCard   Method = "card"
	MethodPayPal Method = "paypal"
	MethodSystem Method = "system"
)

// Gateway capture statuses recorded on a lot.
const (
	CaptureStatusCompleted = "COMPLETED"
	CaptureStatusDenied    = "DENIED"
	CaptureStatusRefunded  = "REFUNDED"
	CaptureStatusExpired   = "EXPIRED"
)

// IsPurchase reports whether the method is a paid (non-system) channel.
func (m Method) IsPurchase() bool {
	return m == MethodCard || m == MethodPayPal
}

// Lot is one purchased or granted batch of spendable credits.
type Lot struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	UserID           uuid.UUID       `db:"user_id" json:"userId"`
	OrderID          *string         `db:"order_id" json:"orderId,omitempty"`
	CaptureID        *string         `db:"capture_id" json:"captureId,omitempty"`
	CaptureStatus    *string         `db:"capture_status" json:"captureStatus,omitempty"`
	FailureReason    *string         `db:"failure_reason" json:"failureReason,omitempty"`
	PlanCode         *string         `db:"plan_code" json:"planCode,omitempty"`
	ChargeType       *string         `db:"charge_type" json:"chargeType,omitempty"`
	AmountPaid       decimal.Decimal `db:"amount_paid" json:"amountPaid"`
	Currency         string          `db:"currency" json:"currency"`
	CreditsAdded     int             `db:"credits_added" json:"creditsAdded"`
	RemainingCredits int             `db:"remaining_credits" json:"remainingCredits"`
	Status           LotStatus       `db:"status" json:"status"`
	Method           Method          `db:"method" json:"method"`
	ValidDays        int             `db:"valid_days" json:"validDays"`
	ExpiryDate       *time.Time      `db:"expiry_date" json:"expiryDate,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updatedAt"`
}

// IsSpendable reports whether the remaining balance counts at the given instant.
func (l *Lot) IsSpendable(now time.Time) bool {
	if l.Status != StatusSuccess || l.RemainingCredits <= 0 {
		return false
	}
	return l.ExpiryDate == nil || l.ExpiryDate.After(now)
}

// LotFilter selects lots for listing and reporting queries. Nil fields are ignored.
type LotFilter struct {
	UserID       *uuid.UUID
	Status       *LotStatus
	ExpiryBefore *time.Time
	ExpiryAfter  *time.Time
	MinRemaining *int
	SortByExpiry bool
	Limit        int
	Offset       int
}

// Activation carries everything needed to flip a pending lot to success.
type Activation struct {
	LotID         uuid.UUID
	UserID        uuid.UUID
	Credits       int
	ValidDays     int
	CaptureID     string
	CaptureStatus string
}

// BreakdownItem records how much of a deduction came from one lot.
type BreakdownItem struct {
	LotID  uuid.UUID `json:"lotId"`
	Amount int       `json:"amount"`
}

// Breakdown is stored as jsonb on the usage log row.
type Breakdown []BreakdownItem

func (b Breakdown) Value() (driver.Value, error) {
	if b == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (b *Breakdown) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*b = nil
		return nil
	case []byte:
		return json.Unmarshal(v, b)
	case string:
		return json.Unmarshal([]byte(v), b)
	default:
		return fmt.Errorf("unsupported type: %T", src)
	}
}

// UsageLogEntry is the append-only audit record of one successful deduction.
type UsageLogEntry struct {
	ID          uuid.UUID `db:"id" json:"id"`
	UserID      uuid.UUID `db:"user_id" json:"userId"`
	CreditsUsed int       `db:"credits_used" json:"creditsUsed"`
	Reason      string    `db:"reason" json:"reason"`
	Breakdown   Breakdown `db:"breakdown" json:"breakdown"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// ExpiringLot is a reporting row for lots that will expire soon.
type ExpiringLot struct {
	LotID            uuid.UUID `db:"id" json:"lotId"`
	UserID           uuid.UUID `db:"user_id" json:"userId"`
	RemainingCredits int       `db:"remaining_credits" json:"remainingCredits"`
	ExpiryDate       time.Time `db:"expiry_date" json:"expiryDate"`
}

// Summary is the per-user ledger overview.
type Summary struct {
	TotalCredits       int        `db:"total_credits" json:"totalCredits"`
	ActiveLots         int        `db:"active_lots" json:"activeLots"`
	ExpiringSoon       int        `db:"expiring_soon" json:"expiringSoonCredits"`
	ExpiringSoonLots   int        `db:"expiring_soon_lots" json:"expiringSoonLots"`
	NextExpiryDate     *time.Time `db:"next_expiry_date" json:"nextExpiryDate,omitempty"`
	ExpiringWithinDays int        `db:"-" json:"expiringWithinDays"`
}

// DeductionResult is returned by a successful deduction.
type DeductionResult struct {
	CreditsUsed      int       `json:"creditsUsed"`
	RemainingBalance int       `json:"remainingBalance"`
	Breakdown        Breakdown `json:"breakdown"`
	UsageLogID       uuid.UUID `json:"usageLogId,omitempty"`
	Warnings         []string  `json:"warnings,omitempty"`
}

// ActivationResult reports whether this call performed the activation.
type ActivationResult struct {
	Activated  bool       `json:"activated"`
	ExpiryDate *time.Time `json:"expiryDate,omitempty"`
	Warnings   []string   `json:"warnings,omitempty"`
}

// RefundResult reports the outcome of clawing back a lot.
type RefundResult struct {
	Refunded       bool     `json:"refunded"`
	ClawedBack     int      `json:"clawedBack"`
	TierDowngraded bool     `json:"tierDowngraded"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Sufficiency is the non-atomic preflight answer of ValidateSufficientCredits.
type Sufficiency struct {
	Sufficient bool `json:"sufficient"`
	Available  int  `json:"available"`
	Shortfall  int  `json:"shortfall"`
}
