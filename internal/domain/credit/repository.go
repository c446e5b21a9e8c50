package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/inkgen/inkgen-api/internal/domain/user"
)

const queryTimeout = 3 * time.Second

// Ledger is pure storage over credit lots and usage logs. It applies no
// business policy beyond the row-level guards that keep a lot consistent.
type Ledger interface {
	Create(ctx context.Context, lot *Lot) error
	GetByID(ctx context.Context, id uuid.UUID) (*Lot, error)

	// GetValidLots returns spendable lots ordered by expiry, never-expiring last.
	// Inside WithTx the rows are locked FOR UPDATE.
	GetValidLots(ctx context.Context, userID uuid.UUID, now time.Time) ([]Lot, error)
	GetTotalValidCredits(ctx context.Context, userID uuid.UUID, now time.Time) (int, error)
	UpdateRemaining(ctx context.Context, lotID uuid.UUID, remaining int) error
	SweepExpired(ctx context.Context, now time.Time, limit int) (int, error)

	FindByOrderID(ctx context.Context, orderID string) (*Lot, error)
	FindByCaptureID(ctx context.Context, captureID string) (*Lot, error)

	// Activate flips a pending lot to success. false means the lot was not pending.
	Activate(ctx context.Context, a Activation, expiry *time.Time) (bool, error)
	// MarkFailed flips a pending lot to failed. false means the lot was not pending.
	MarkFailed(ctx context.Context, lotID uuid.UUID, captureStatus, reason string) (bool, error)
	// MarkRefunded flips a success lot to refund and zeroes its balance,
	// returning the balance it held. false means the lot was not success.
	MarkRefunded(ctx context.Context, lotID uuid.UUID, captureStatus string) (int, bool, error)
	AnnotateCaptureStatus(ctx context.Context, lotID uuid.UUID, captureStatus string) error
	HasOtherPaidLots(ctx context.Context, userID, excludeLotID uuid.UUID) (bool, error)
	FailStalePending(ctx context.Context, createdBefore time.Time, limit int) (int, error)

	ListLots(ctx context.Context, filter LotFilter) ([]Lot, error)
	AppendUsageLog(ctx context.Context, entry *UsageLogEntry) error
	ListUsage(ctx context.Context, userID uuid.UUID, limit, offset int) ([]UsageLogEntry, error)

	// WithTx runs fn against a ledger bound to one database transaction.
	// Nested calls reuse the outer transaction.
	WithTx(ctx context.Context, fn func(tx Ledger) error) error
}

const lotColumns = `id, user_id, order_id, capture_id, capture_status, failure_reason, plan_code, charge_type,
	amount_paid, currency, credits_added, remaining_credits, status, method, valid_days, expiry_date,
	created_at, updated_at`

const validLotPredicate = `user_id = $1 AND status = 'success' AND remaining_credits > 0
	AND (expiry_date IS NULL OR expiry_date > $2)`

// LedgerRepository is the Postgres Ledger.
type LedgerRepository struct {
	db   *sqlx.DB
	ext  sqlx.ExtContext
	inTx bool
}

func NewRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db, ext: db}
}

func (r *LedgerRepository) WithTx(ctx context.Context, fn func(tx Ledger) error) error {
	if r.inTx {
		return fn(r)
	}

	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return storageErr("begin tx", err)
	}
	defer tx.Rollback()

	if err := fn(&LedgerRepository{db: r.db, ext: tx, inTx: true}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit tx", err)
	}
	return nil
}

func (r *LedgerRepository) Create(ctx context.Context, lot *Lot) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if lot.ID == uuid.Nil {
		lot.ID = uuid.New()
	}
	if lot.Status == "" {
		lot.Status = StatusPending
	}

	err := sqlx.GetContext(ctx2, r.ext, lot, `
		INSERT INTO credit_lots (id, user_id, order_id, plan_code, charge_type, amount_paid, currency,
			credits_added, remaining_credits, status, method, valid_days, expiry_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING `+lotColumns,
		lot.ID, lot.UserID, lot.OrderID, lot.PlanCode, lot.ChargeType, lot.AmountPaid, lot.Currency,
		lot.CreditsAdded, lot.RemainingCredits, lot.Status, lot.Method, lot.ValidDays, lot.ExpiryDate,
	)
	if err != nil {
		return classify("create lot", err)
	}
	return nil
}

func (r *LedgerRepository) GetByID(ctx context.Context, id uuid.UUID) (*Lot, error) {
	return r.getOne(ctx, "get lot", `SELECT `+lotColumns+` FROM credit_lots WHERE id = $1`, id)
}

func (r *LedgerRepository) FindByOrderID(ctx context.Context, orderID string) (*Lot, error) {
	return r.getOne(ctx, "find by order", `SELECT `+lotColumns+` FROM credit_lots WHERE order_id = $1`, orderID)
}

func (r *LedgerRepository) FindByCaptureID(ctx context.Context, captureID string) (*Lot, error) {
	return r.getOne(ctx, "find by capture", `SELECT `+lotColumns+` FROM credit_lots WHERE capture_id = $1`, captureID)
}

func (r *LedgerRepository) getOne(ctx context.Context, op, query string, arg any) (*Lot, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var lot Lot
	if err := sqlx.GetContext(ctx2, r.ext, &lot, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLotNotFound
		}
		return nil, storageErr(op, err)
	}
	return &lot, nil
}

func (r *LedgerRepository) GetValidLots(ctx context.Context, userID uuid.UUID, now time.Time) ([]Lot, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT ` + lotColumns + ` FROM credit_lots WHERE ` + validLotPredicate + `
		ORDER BY expiry_date ASC NULLS LAST, created_at ASC, id ASC`
	if r.inTx {
		query += ` FOR UPDATE`
	}

	lots := make([]Lot, 0)
	if err := sqlx.SelectContext(ctx2, r.ext, &lots, query, userID, now); err != nil {
		return nil, storageErr("get valid lots", err)
	}
	return lots, nil
}

func (r *LedgerRepository) GetTotalValidCredits(ctx context.Context, userID uuid.UUID, now time.Time) (int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT COALESCE(SUM(remaining_credits), 0) FROM credit_lots WHERE ` + validLotPredicate
	if r.inTx {
		// Same lock order as GetValidLots.
		query = `SELECT COALESCE(SUM(remaining_credits), 0) FROM (
			SELECT remaining_credits FROM credit_lots WHERE ` + validLotPredicate + `
			ORDER BY expiry_date ASC NULLS LAST, created_at ASC, id ASC
			FOR UPDATE
		) locked`
	}

	var total int
	if err := sqlx.GetContext(ctx2, r.ext, &total, query, userID, now); err != nil {
		return 0, storageErr("total valid credits", err)
	}
	return total, nil
}

func (r *LedgerRepository) UpdateRemaining(ctx context.Context, lotID uuid.UUID, remaining int) error {
	if remaining < 0 {
		return fmt.Errorf("%w: remaining %d below zero for lot %s", ErrInvariantViolation, remaining, lotID)
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := r.ext.ExecContext(ctx2, `
		UPDATE credit_lots
		SET remaining_credits = $2, updated_at = NOW()
		WHERE id = $1 AND $2 <= credits_added
	`, lotID, remaining)
	if err != nil {
		return classify("update remaining", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if n == 0 {
		if _, err := r.GetByID(ctx, lotID); err != nil {
			return err
		}
		return fmt.Errorf("%w: remaining %d exceeds credits added for lot %s", ErrInvariantViolation, remaining, lotID)
	}
	return nil
}

func (r *LedgerRepository) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := r.ext.ExecContext(ctx2, `
		WITH expired AS (
			SELECT id FROM credit_lots
			WHERE status = 'success' AND remaining_credits > 0
				AND expiry_date IS NOT NULL AND expiry_date <= $1
			ORDER BY expiry_date ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE credit_lots l
		SET remaining_credits = 0, updated_at = NOW()
		FROM expired
		WHERE l.id = expired.id
	`, now, limit)
	if err != nil {
		return 0, storageErr("sweep expired", err)
	}
	return affected(res)
}

func (r *LedgerRepository) Activate(ctx context.Context, a Activation, expiry *time.Time) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := r.ext.ExecContext(ctx2, `
		UPDATE credit_lots
		SET status = 'success',
			remaining_credits = $3,
			valid_days = $4,
			expiry_date = $5,
			capture_id = COALESCE($6, capture_id),
			capture_status = COALESCE($7, capture_status),
			updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status = 'pending'
			AND capture_status IS DISTINCT FROM 'REFUNDED'
	`, a.LotID, a.UserID, a.Credits, a.ValidDays, expiry, nullString(a.CaptureID), nullString(a.CaptureStatus))
	if err != nil {
		return false, classify("activate lot", err)
	}

	n, err := affected(res)
	return n == 1, err
}

func (r *LedgerRepository) MarkFailed(ctx context.Context, lotID uuid.UUID, captureStatus, reason string) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := r.ext.ExecContext(ctx2, `
		UPDATE credit_lots
		SET status = 'failed', capture_status = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, lotID, nullString(captureStatus), nullString(reason))
	if err != nil {
		return false, storageErr("mark failed", err)
	}

	n, err := affected(res)
	return n == 1, err
}

func (r *LedgerRepository) MarkRefunded(ctx context.Context, lotID uuid.UUID, captureStatus string) (int, bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var clawed int
	err := sqlx.GetContext(ctx2, r.ext, &clawed, `
		WITH old AS (
			SELECT id, remaining_credits FROM credit_lots
			WHERE id = $1 AND status = 'success'
			FOR UPDATE
		)
		UPDATE credit_lots l
		SET status = 'refund', remaining_credits = 0, capture_status = $2, updated_at = NOW()
		FROM old
		WHERE l.id = old.id
		RETURNING old.remaining_credits
	`, lotID, nullString(captureStatus))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, storageErr("mark refunded", err)
	}
	return clawed, true, nil
}

func (r *LedgerRepository) AnnotateCaptureStatus(ctx context.Context, lotID uuid.UUID, captureStatus string) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := r.ext.ExecContext(ctx2, `
		UPDATE credit_lots SET capture_status = $2, updated_at = NOW() WHERE id = $1
	`, lotID, captureStatus)
	if err != nil {
		return storageErr("annotate capture status", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLotNotFound
	}
	return nil
}

func (r *LedgerRepository) HasOtherPaidLots(ctx context.Context, userID, excludeLotID uuid.UUID) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var exists bool
	err := sqlx.GetContext(ctx2, r.ext, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM credit_lots
			WHERE user_id = $1 AND id <> $2 AND status = 'success' AND method <> 'system'
		)
	`, userID, excludeLotID)
	if err != nil {
		return false, storageErr("has other paid lots", err)
	}
	return exists, nil
}

func (r *LedgerRepository) FailStalePending(ctx context.Context, createdBefore time.Time, limit int) (int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := r.ext.ExecContext(ctx2, `
		WITH stale AS (
			SELECT id FROM credit_lots
			WHERE status = 'pending' AND created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE credit_lots l
		SET status = 'failed', capture_status = $3, failure_reason = $4, updated_at = NOW()
		FROM stale
		WHERE l.id = stale.id
	`, createdBefore, limit, CaptureStatusExpired, "no capture received before pending lot TTL")
	if err != nil {
		return 0, storageErr("fail stale pending", err)
	}
	return affected(res)
}

func (r *LedgerRepository) ListLots(ctx context.Context, filter LotFilter) ([]Lot, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	base := `SELECT ` + lotColumns + ` FROM credit_lots WHERE 1=1`
	args := make([]interface{}, 0, 8)
	idx := 1

	if filter.UserID != nil {
		base += fmt.Sprintf(" AND user_id = $%d", idx)
		args = append(args, *filter.UserID)
		idx++
	}
	if filter.Status != nil {
		base += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, *filter.Status)
		idx++
	}
	if filter.ExpiryBefore != nil {
		base += fmt.Sprintf(" AND expiry_date IS NOT NULL AND expiry_date <= $%d", idx)
		args = append(args, *filter.ExpiryBefore)
		idx++
	}
	if filter.ExpiryAfter != nil {
		base += fmt.Sprintf(" AND (expiry_date IS NULL OR expiry_date > $%d)", idx)
		args = append(args, *filter.ExpiryAfter)
		idx++
	}
	if filter.MinRemaining != nil {
		base += fmt.Sprintf(" AND remaining_credits >= $%d", idx)
		args = append(args, *filter.MinRemaining)
		idx++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	order := "created_at DESC"
	if filter.SortByExpiry {
		order = "expiry_date ASC NULLS LAST, created_at ASC"
	}
	base = strings.TrimSpace(base) + fmt.Sprintf(" ORDER BY %s LIMIT $%d OFFSET $%d", order, idx, idx+1)
	args = append(args, limit, filter.Offset)

	lots := make([]Lot, 0)
	if err := sqlx.SelectContext(ctx2, r.ext, &lots, base, args...); err != nil {
		return nil, storageErr("list lots", err)
	}
	return lots, nil
}

func (r *LedgerRepository) AppendUsageLog(ctx context.Context, entry *UsageLogEntry) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	err := sqlx.GetContext(ctx2, r.ext, &entry.CreatedAt, `
		INSERT INTO credit_usage_logs (id, user_id, credits_used, reason, breakdown)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, entry.ID, entry.UserID, entry.CreditsUsed, entry.Reason, entry.Breakdown)
	if err != nil {
		return storageErr("append usage log", err)
	}
	return nil
}

func (r *LedgerRepository) ListUsage(ctx context.Context, userID uuid.UUID, limit, offset int) ([]UsageLogEntry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}

	entries := make([]UsageLogEntry, 0)
	err := sqlx.SelectContext(ctx2, r.ext, &entries, `
		SELECT id, user_id, credits_used, reason, breakdown, created_at
		FROM credit_usage_logs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, storageErr("list usage", err)
	}
	return entries, nil
}

func affected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("rows affected", err)
	}
	return int(n), nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// classify maps constraint violations onto ErrInvariantViolation.
func classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23514", "23505":
			return fmt.Errorf("%w: %s: %s", ErrInvariantViolation, op, pqErr.Message)
		case "23503":
			return fmt.Errorf("%s: %w", op, user.ErrUserNotFound)
		}
	}
	return storageErr(op, err)
}
