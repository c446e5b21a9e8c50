package credit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/inkgen/inkgen-api/internal/pkg/lock"
)

const (
	leaderKey      = "credits:cleanup:leader"
	reminderPrefix = "credits:reminder:"
)

// Notifier delivers expiry reminders. One call per user.
type Notifier interface {
	NotifyExpiring(ctx context.Context, userID uuid.UUID, lots []ExpiringLot) error
}

// Locker keeps a single active scheduler and dedupes reminders.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (lock.Release, bool, error)
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, key string) error
}

// CleanupConfig holds scheduler tuning.
type CleanupConfig struct {
	Interval           time.Duration
	ReminderWindowDays int
	BatchSize          int
	ReminderPageSize   int
	PendingTTL         time.Duration
	RunTimeout         time.Duration
}

// CleanupReport is the outcome of one run.
type CleanupReport struct {
	Skipped            bool     `json:"skipped"`
	Reminded           int      `json:"reminded"`
	ReminderFailures   int      `json:"reminderFailures"`
	Swept              int      `json:"swept"`
	StalePendingFailed int      `json:"stalePendingFailed"`
	Warnings           []string `json:"warnings,omitempty"`
}

func (r *CleanupReport) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// CleanupScheduler runs the periodic reminder, expiry sweep and stale pending
// steps. Reminder failures never prevent the sweep.
type CleanupScheduler struct {
	credits  *Service
	notifier Notifier
	locker   Locker
	cfg      CleanupConfig

	started  atomic.Bool
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewCleanupScheduler creates the scheduler. notifier and locker may be nil.
func NewCleanupScheduler(credits *Service, notifier Notifier, locker Locker, cfg CleanupConfig) *CleanupScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultSweepBatch
	}
	if cfg.ReminderPageSize <= 0 {
		cfg.ReminderPageSize = 500
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	return &CleanupScheduler{
		credits:  credits,
		notifier: notifier,
		locker:   locker,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the background loop. It runs once immediately.
func (s *CleanupScheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	log.Info().Dur("interval", s.cfg.Interval).Msg("Starting credit cleanup scheduler...")
	go s.loop(ctx)
}

// Stop ends the loop and waits for an in-flight run to finish.
func (s *CleanupScheduler) Stop() {
	s.stopOnce.Do(func() {
		log.Info().Msg("Stopping credit cleanup scheduler...")
		close(s.stopCh)
	})
	if s.started.Load() {
		<-s.done
	}
}

func (s *CleanupScheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *CleanupScheduler) tick(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	report, err := s.RunOnce(runCtx)
	if err != nil {
		log.Error().Err(err).Int("swept", report.Swept).Msg("Credit cleanup run failed")
		return
	}
	if report.Skipped {
		log.Debug().Msg("Credit cleanup skipped, another instance holds the lock")
		return
	}
	log.Info().
		Int("reminded", report.Reminded).
		Int("reminder_failures", report.ReminderFailures).
		Int("swept", report.Swept).
		Int("stale_pending_failed", report.StalePendingFailed).
		Strs("warnings", report.Warnings).
		Msg("Credit cleanup run finished")
}

// RunOnce executes one run. The returned error is set only when the
// authoritative expiry sweep fails.
func (s *CleanupScheduler) RunOnce(ctx context.Context) (*CleanupReport, error) {
	report := &CleanupReport{}
	remind := s.notifier != nil

	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx, leaderKey, s.cfg.RunTimeout)
		switch {
		case err != nil:
			// Without the lock only the idempotent steps run.
			report.warn("leader lock unavailable, reminders skipped: %v", err)
			remind = false
		case !ok:
			report.Skipped = true
			return report, nil
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					log.Warn().Err(err).Msg("Failed to release credit cleanup lock")
				}
			}()
		}
	} else {
		report.warn("no distributed lock configured, running unlocked")
	}

	if remind {
		s.sendReminders(ctx, report)
	}

	swept, err := s.credits.CleanupExpiredCredits(ctx, s.cfg.BatchSize)
	report.Swept = swept
	if err != nil {
		return report, fmt.Errorf("sweep expired credits: %w", err)
	}

	if s.cfg.PendingTTL > 0 {
		n, err := s.credits.FailStalePending(ctx, s.cfg.PendingTTL, s.cfg.BatchSize)
		report.StalePendingFailed = n
		if err != nil {
			log.Error().Err(err).Msg("Failed to expire stale pending lots")
			report.warn("stale pending lots not expired: %v", err)
		}
	}

	return report, nil
}

func (s *CleanupScheduler) sendReminders(ctx context.Context, report *CleanupReport) {
	byUser := make(map[uuid.UUID][]ExpiringLot)
	users := make([]uuid.UUID, 0)

	// Whole window is collected first so a user spread over pages gets one mail.
	for offset := 0; ; offset += s.cfg.ReminderPageSize {
		lots, err := s.credits.expiringPage(ctx, s.cfg.ReminderWindowDays, s.cfg.ReminderPageSize, offset)
		if err != nil {
			log.Error().Err(err).Int("offset", offset).Msg("Failed to load expiring credit lots")
			report.warn("reminders skipped: %v", err)
			return
		}
		for _, lot := range lots {
			if _, ok := byUser[lot.UserID]; !ok {
				users = append(users, lot.UserID)
			}
			byUser[lot.UserID] = append(byUser[lot.UserID], lot)
		}
		if len(lots) < s.cfg.ReminderPageSize {
			break
		}
	}

	markTTL := time.Duration(s.cfg.ReminderWindowDays+1) * 24 * time.Hour

	for _, userID := range users {
		fresh, keys := s.unreminded(ctx, byUser[userID], markTTL)
		if len(fresh) == 0 {
			continue
		}

		if err := s.notifier.NotifyExpiring(ctx, userID, fresh); err != nil {
			report.ReminderFailures++
			report.warn("reminder for user %s failed: %v", userID, err)
			log.Warn().Err(err).Str("user_id", userID.String()).Msg("Expiry reminder failed")
			s.forget(ctx, keys)
			continue
		}
		report.Reminded++
	}
}

// unreminded filters out lots a previous run already mailed about.
func (s *CleanupScheduler) unreminded(ctx context.Context, lots []ExpiringLot, ttl time.Duration) ([]ExpiringLot, []string) {
	if s.locker == nil {
		return lots, nil
	}

	fresh := make([]ExpiringLot, 0, len(lots))
	keys := make([]string, 0, len(lots))
	for _, lot := range lots {
		key := reminderPrefix + lot.LotID.String()
		first, err := s.locker.MarkOnce(ctx, key, ttl)
		if err != nil {
			log.Warn().Err(err).Str("lot_id", lot.LotID.String()).Msg("Reminder mark failed")
			continue
		}
		if first {
			fresh = append(fresh, lot)
			keys = append(keys, key)
		}
	}
	return fresh, keys
}

func (s *CleanupScheduler) forget(ctx context.Context, keys []string) {
	if s.locker == nil {
		return
	}
	for _, key := range keys {
		if err := s.locker.Forget(ctx, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to clear reminder mark")
		}
	}
}
