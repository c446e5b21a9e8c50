package credit

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/inkgen/inkgen-api/internal/domain/user"
	"github.com/inkgen/inkgen-api/internal/pkg/email"
)

// UserLookup resolves reminder recipients.
type UserLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*user.User, error)
}

// ReminderMailer sends the rendered expiry reminder.
type ReminderMailer interface {
	SendCreditsExpiring(ctx context.Context, to, toName string, data email.CreditsExpiringData) error
}

// EmailNotifier is the Notifier used in production: one e-mail per user
// listing every lot about to expire.
type EmailNotifier struct {
	users      UserLookup
	mailer     ReminderMailer
	windowDays int
	actionURL  string
}

func NewEmailNotifier(users UserLookup, mailer ReminderMailer, windowDays int, actionURL string) *EmailNotifier {
	return &EmailNotifier{users: users, mailer: mailer, windowDays: windowDays, actionURL: actionURL}
}

func (n *EmailNotifier) NotifyExpiring(ctx context.Context, userID uuid.UUID, lots []ExpiringLot) error {
	if len(lots) == 0 {
		return nil
	}

	u, err := n.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load reminder recipient: %w", err)
	}
	if u.Email == "" {
		log.Warn().Str("user_id", userID.String()).Msg("Skipping expiry reminder, user has no email")
		return nil
	}

	sorted := append([]ExpiringLot(nil), lots...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ExpiryDate.Before(sorted[j].ExpiryDate) })

	data := email.CreditsExpiringData{
		Name:       u.Name,
		WindowDays: n.windowDays,
		ActionURL:  n.actionURL,
	}
	if data.Name == "" {
		data.Name = "there"
	}
	for _, lot := range sorted {
		data.Total += lot.RemainingCredits
		data.Lots = append(data.Lots, email.ExpiringLine{
			Credits:   lot.RemainingCredits,
			ExpiresAt: lot.ExpiryDate.UTC().Format("Jan 2, 2006 15:04 UTC"),
		})
	}

	return n.mailer.SendCreditsExpiring(ctx, u.Email, u.Name, data)
}
