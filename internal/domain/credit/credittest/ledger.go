// Package credittest provides an in-memory credit.Ledger for tests.
package credittest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkgen/inkgen-api/internal/domain/credit"
)

type state struct {
	lots  map[uuid.UUID]*credit.Lot
	order []uuid.UUID
	usage []credit.UsageLogEntry
	fail  map[string]error
}

func (s *state) clone() *state {
	c := &state{
		lots:  make(map[uuid.UUID]*credit.Lot, len(s.lots)),
		order: append([]uuid.UUID(nil), s.order...),
		usage: append([]credit.UsageLogEntry(nil), s.usage...),
		fail:  s.fail,
	}
	for id, lot := range s.lots {
		cp := *lot
		c.lots[id] = &cp
	}
	return c
}

// Ledger serializes every call behind one mutex; WithTx holds it for the
// whole callback and restores the prior state when the callback fails.
type Ledger struct {
	mu   *sync.Mutex
	st   **state
	inTx bool
}

var _ credit.Ledger = (*Ledger)(nil)

func NewLedger() *Ledger {
	st := &state{lots: map[uuid.UUID]*credit.Lot{}, fail: map[string]error{}}
	return &Ledger{mu: &sync.Mutex{}, st: &st}
}

// FailOn makes every later call of method return err until cleared with nil.
func (l *Ledger) FailOn(method string, err error) {
	unlock := l.lock()
	defer unlock()
	if err == nil {
		delete((*l.st).fail, method)
		return
	}
	(*l.st).fail[method] = err
}

// Seed inserts a lot as-is.
func (l *Ledger) Seed(lot credit.Lot) credit.Lot {
	unlock := l.lock()
	defer unlock()
	if lot.ID == uuid.Nil {
		lot.ID = uuid.New()
	}
	if lot.CreatedAt.IsZero() {
		lot.CreatedAt = time.Now()
	}
	lot.UpdatedAt = lot.CreatedAt
	l.insert(&lot)
	return lot
}

// Lot returns a copy of the stored lot.
func (l *Ledger) Lot(id uuid.UUID) (credit.Lot, bool) {
	unlock := l.lock()
	defer unlock()
	lot, ok := (*l.st).lots[id]
	if !ok {
		return credit.Lot{}, false
	}
	return *lot, true
}

// Lots returns copies of every lot in insertion order.
func (l *Ledger) Lots() []credit.Lot {
	unlock := l.lock()
	defer unlock()
	out := make([]credit.Lot, 0, len((*l.st).order))
	for _, id := range (*l.st).order {
		out = append(out, *(*l.st).lots[id])
	}
	return out
}

// Usage returns every usage log entry in append order.
func (l *Ledger) Usage() []credit.UsageLogEntry {
	unlock := l.lock()
	defer unlock()
	return append([]credit.UsageLogEntry(nil), (*l.st).usage...)
}

func (l *Ledger) lock() func() {
	if l.inTx {
		return func() {}
	}
	l.mu.Lock()
	return l.mu.Unlock
}

func (l *Ledger) failed(method string) error {
	return (*l.st).fail[method]
}

func (l *Ledger) insert(lot *credit.Lot) {
	(*l.st).lots[lot.ID] = lot
	(*l.st).order = append((*l.st).order, lot.ID)
}

func (l *Ledger) WithTx(ctx context.Context, fn func(tx credit.Ledger) error) error {
	if l.inTx {
		return fn(l)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.failed("WithTx"); err != nil {
		return err
	}

	snapshot := (*l.st).clone()
	if err := fn(&Ledger{mu: l.mu, st: l.st, inTx: true}); err != nil {
		*l.st = snapshot
		return err
	}
	return nil
}

func (l *Ledger) Create(ctx context.Context, lot *credit.Lot) error {
	unlock := l.lock()
	defer unlock()
	if err := l.failed("Create"); err != nil {
		return err
	}

	if lot.ID == uuid.Nil {
		lot.ID = uuid.New()
	}
	if lot.Status == "" {
		lot.Status = credit.StatusPending
	}
	if lot.RemainingCredits < 0 || lot.RemainingCredits > lot.CreditsAdded {
		return credit.ErrInvariantViolation
	}
	if lot.OrderID != nil {
		for _, existing := range (*l.st).lots {
			if existing.OrderID != nil && *existing.OrderID == *lot.OrderID {
				return credit.ErrInvariantViolation
			}
		}
	}

	now := time.Now()
	lot.CreatedAt, lot.UpdatedAt = now, now
	cp := *lot
	l.insert(&cp)
	return nil
}

func (l *Ledger) GetByID(ctx context.Context, id uuid.UUID) (*credit.Lot, error) {
	unlock := l.lock()
	defer unlock()
	if err := l.failed("GetByID"); err != nil {
		return nil, err
	}
	lot, ok := (*l.st).lots[id]
	if !ok {
		return nil, credit.ErrLotNotFound
	}
	cp := *lot
	return &cp, nil
}

func (l *Ledger) FindByOrderID(ctx context.Context, orderID string) (*credit.Lot, error) {
	return l.findBy("FindByOrderID", func(lot *credit.Lot) bool {
		return lot.OrderID != nil && *lot.OrderID == orderID
	})
}

func (l *Ledger) FindByCaptureID(ctx context.Context, captureID string) (*credit.Lot, error) {
	return l.findBy("FindByCaptureID", func(lot *credit.Lot) bool {
		return lot.CaptureID != nil && *lot.CaptureID == captureID
	})
}

func (l *Ledger) findBy(method string, match func(*credit.Lot) bool) (*credit.Lot, error) {
	unlock := l.lock()
	defer unlock()
	if err := l.failed(method); err != nil {
		return nil, err
	}
	for _, id := range (*l.st).order {
		if lot := (*l.st).lots[id]; match(lot) {
			cp := *lot
			return &cp, nil
		}
	}
	return nil, credit.ErrLotNotFound
}

func (l *Ledger) GetValidLots(ctx context.Context, userID uuid.UUID, now time.Time) ([]credit.Lot, error) {
	unlock := l.lock()
	defer unlock()
	if err := l.failed("GetValidLots"); err != nil {
		return nil, err
	}
	return l.validLots(userID, now), nil
}

func (l *Ledger) validLots(userID uuid.UUID, now time.Time) []credit.Lot {
	out := make([]credit.Lot, 0)
	for _, id := range (*l.st).order {
		lot := (*l.st).lots[id]
		if lot.UserID == userID && lot.IsSpendable(now) {
			out = append(out, *lot)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].ExpiryDate, out[j].ExpiryDate
		switch {
		case a == nil && b == nil:
			return false
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	return out
}

func (l *Ledger) GetTotalValidCredits(ctx context.Context, userID uuid.UUID, now time.Time) (int, error) {
	unlock := l.lock()
	defer unlock()
	if err := l.failed("GetTotalValidCredits"); err != nil {
		return 0, err
	}
	total := 0
	for _, lot := range l.validLots(userID, now) {
		total += lot.RemainingCredits
	}
	return total, nil
}

func (l *Ledger) UpdateRemaining(ctx context.Context, lotID uuid.UUID, remaining int) error {
	unlock := l.lock()
	defer unlock()
	if err := l.failed("UpdateRemaining"); err != nil {
		return err
	}
	lot, ok := (*l.st).lots[lotID]
	if !ok {
		return credit.ErrLotNotFound
	}
	if remaining < 0 || remaining > lot.CreditsAdded {
		return credit.ErrInvariantViolation
	}
	lot.RemainingCredits = remaining
	lot.UpdatedAt = time.Now()
	return nil
}

func (l *Ledger) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	unlock := l.lock()
	defer unlock()
	if err := l.failed("SweepExpired"); err != nil {
		return 0, err
	}
	n := 0
	for _, id := range (*l.st).order {
		if n == limit {
			break
		}
		lot := (*l.st).lots[id]
		if lot.Status == credit.StatusSuccess && lot.RemainingCredits > 0 &&
			lot.ExpiryDate != nil && !lot.ExpiryDate.After(now) {
			lot.RemainingCredits = 0
			lot.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (l *Ledger) Activate(ctx context.Context, a credit.Activation, expiry *time.Time) (bool, error) {
	unlock := l.lock()
	defer unlock()
	if err := l.failed("Activate"); err != nil {
		return false, err
	}
	lot, ok := (*l.st).lots[a.LotID]
	if !ok || lot.UserID != a.UserID || lot.Status != credit.StatusPending {
		return false, nil
	}
	if lot.CaptureStatus != nil && *lot.CaptureStatus == credit.CaptureStatusRefunded {
		return false, nil
	}
	if a.Credits > lot.CreditsAdded {
		return false, credit.ErrInvariantViolation
	}
	if a.CaptureID != "" {
		for _, other := range (*l.st).lots {
			if other.ID != lot.ID && other.CaptureID != nil && *other.CaptureID == a.CaptureID {
				return false, credit.ErrInvariantViolation
			}
		}
		id := a.CaptureID
		lot.CaptureID = &id
	}
	if a.CaptureStatus != "" {
		cs := a.CaptureStatus
		lot.CaptureStatus = &cs
	}
	lot.Status = credit.StatusSuccess
	lot.RemainingCredits = a.Credits
	lot.ValidDays = a.ValidDays
	lot.ExpiryDate = expiry
	lot.UpdatedAt = time.Now()
	return true, nil
}

func (l *Ledger) MarkFailed(ctx context.Context, lotID uuid.UUID, captureStatus, reason string) (bool, error) {
	unlock := l.lock()
	defer unlock()
	if err := l.failed("MarkFailed"); err != nil {
		return false, err
	}
	lot, ok := (*l.st).lots[lotID]
	if !ok || lot.Status != credit.StatusPending {
		return false, nil
	}
	lot.Status = credit.StatusFailed
	if captureStatus != "" {
		lot.CaptureStatus = &captureStatus
	}
	if reason != "" {
		lot.FailureReason = &reason
	}
	lot.UpdatedAt = time.Now()
	return true, nil
}

func (l *Ledger) MarkRefunded(ctx context.Context, lotID uuid.UUID, captureStatus string) (int, bool, error) {
	unlock := l.lock()
	defer unlock()
	if err := l.failed("MarkRefunded"); err != nil {
		return 0, false, err
	}
	lot, ok := (*l.st).lots[lotID]
	if !ok || lot.Status != credit.StatusSuccess {
		return 0, false, nil
	}
	clawed := lot.RemainingCredits
	lot.Status = credit.StatusRefund
	lot.RemainingCredits = 0
	lot.CaptureStatus = &captureStatus
	lot.UpdatedAt = time.Now()
	return clawed, true, nil
}

func (l *Ledger) AnnotateCaptureStatus(ctx context.Context, lotID uuid.UUID, captureStatus string) error {
	unlock := l.lock()
	defer unlock()
	if err := l.failed("AnnotateCaptureStatus"); err != nil {
		return err
	}
	lot, ok := (*l.st).lots[lotID]
	if !ok {
		return credit.ErrLotNotFound
	}
	lot.CaptureStatus = &captureStatus
	lot.UpdatedAt = time.Now()
	return nil
}

func (l *Ledger) HasOtherPaidLots(ctx context.Context, userID, excludeLotID uuid.UUID) (bool, error) {
	unlock := l.lock()
	defer unlock()
	if err := l.failed("HasOtherPaidLots"); err != nil {
		return false, err
	}
	for _, lot := range (*l.st).lots {
		if lot.UserID == userID && lot.ID != excludeLotID &&
			lot.Status == credit.StatusSuccess && lot.Method != credit.MethodSystem {
			return true, nil
		}
	}
	return false, nil
}

func (l *Ledger) FailStalePending(ctx context.Context, createdBefore time.Time, limit int) (int, error) {
	unlock := l.lock()
	defer unlock()
	if err := l.failed("FailStalePending"); err != nil {
		return 0, err
	}
	n := 0
	for _, id := range (*l.st).order {
		if n == limit {
			break
		}
		lot := (*l.st).lots[id]
		if lot.Status == credit.StatusPending && lot.CreatedAt.Before(createdBefore) {
			status := credit.CaptureStatusExpired
			reason := "no capture received before pending lot TTL"
			lot.Status = credit.StatusFailed
			lot.CaptureStatus = &status
			lot.FailureReason = &reason
			lot.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (l *Ledger) ListLots(ctx context.Context, f credit.LotFilter) ([]credit.Lot, error) {
	unlock := l.lock()
	defer unlock()
	if err := l.failed("ListLots"); err != nil {
		return nil, err
	}

	out := make([]credit.Lot, 0)
	for _, id := range (*l.st).order {
		lot := (*l.st).lots[id]
		if f.UserID != nil && lot.UserID != *f.UserID {
			continue
		}
		if f.Status != nil && lot.Status != *f.Status {
			continue
		}
		if f.ExpiryBefore != nil && (lot.ExpiryDate == nil || lot.ExpiryDate.After(*f.ExpiryBefore)) {
			continue
		}
		if f.ExpiryAfter != nil && lot.ExpiryDate != nil && !lot.ExpiryDate.After(*f.ExpiryAfter) {
			continue
		}
		if f.MinRemaining != nil && lot.RemainingCredits < *f.MinRemaining {
			continue
		}
		out = append(out, *lot)
	}

	if f.SortByExpiry {
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i].ExpiryDate, out[j].ExpiryDate
			if a == nil || b == nil {
				return a != nil
			}
			return a.Before(*b)
		})
	} else {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	return page(out, limit, f.Offset), nil
}

func (l *Ledger) AppendUsageLog(ctx context.Context, entry *credit.UsageLogEntry) error {
	unlock := l.lock()
	defer unlock()
	if err := l.failed("AppendUsageLog"); err != nil {
		return err
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now()
	(*l.st).usage = append((*l.st).usage, *entry)
	return nil
}

func (l *Ledger) ListUsage(ctx context.Context, userID uuid.UUID, limit, offset int) ([]credit.UsageLogEntry, error) {
	unlock := l.lock()
	defer unlock()
	if err := l.failed("ListUsage"); err != nil {
		return nil, err
	}
	out := make([]credit.UsageLogEntry, 0)
	for i := len((*l.st).usage) - 1; i >= 0; i-- {
		if e := (*l.st).usage[i]; e.UserID == userID {
			out = append(out, e)
		}
	}
	if limit <= 0 {
		limit = 20
	}
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
