package user

import (
	"time"

	"github.com/google/uuid"
)

// Role gates admin-only credit and refund endpoints.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Tier is flipped as a side effect of credit activation and refund.
type Tier string

const (
	TierDefault Tier = "default"
	TierPaid    Tier = "paid"
)

// User is the projection of the externally owned users table this service reads.
type User struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	Name      string    `db:"name" json:"name"`
	Role      Role      `db:"role" json:"role"`
	Tier      Tier      `db:"tier" json:"tier"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DisplayName falls back to the mailbox when no name is set.
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}
