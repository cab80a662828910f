package user

import "time"

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is a registered raffle player or administrator.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // allowed: "user", "admin"
	CreatedAt    time.Time `json:"created_at"`
}

// IsAdmin reports whether the user may manage competitions.
func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }
