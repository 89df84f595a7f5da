package domain

import (
	"errors"
	"time"
)

// Account is the identity anchor: one per phone number.
type Account struct {
	ID               string
	Phone            string // E.164; unique and immutable
	Roles            []Role // never empty
	TwoFactorEnabled bool
	TOTPSecret       string // base32; empty until enrolled
	RefreshTokenHash string // bcrypt of the current refresh token digest; empty when logged out
	CurrentIP        string // live session IP; unique across accounts when set
	CurrentSessionID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Role is an authorization role carried in token claims.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAdmin     Role = "ADMIN"
	RoleModerator Role = "MODERATOR"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleModerator:
		return true
	}
	return false
}

// ParseRoles converts role names to Roles, rejecting unknown names.
func ParseRoles(names []string) ([]Role, error) {
	out := make([]Role, 0, len(names))
	for _, n := range names {
		r := Role(n)
		if !r.Valid() {
			return nil, errors.New("unknown role " + n)
		}
		out = append(out, r)
	}
	return out, nil
}

// RoleNames returns the roles as strings, in order.
func RoleNames(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

// Validate validates the account for persistence. Returns an error describing the first validation failure.
// An empty role set defaults to USER.
func (a *Account) Validate() error {
	if a.Phone == "" {
		return errors.New("phone is required")
	}
	if len(a.Roles) == 0 {
		a.Roles = []Role{RoleUser}
	}
	for _, r := range a.Roles {
		if !r.Valid() {
			return errors.New("unknown role " + string(r))
		}
	}
	return nil
}

// HasRole reports whether the account holds r.
func (a *Account) HasRole(r Role) bool {
	for _, have := range a.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// HasSession reports whether the account currently holds a live session.
func (a *Account) HasSession() bool {
	return a.CurrentIP != "" && a.CurrentSessionID != ""
}

// PublicAccount is the projection safe to return to clients.
type PublicAccount struct {
	ID    string   `json:"id"`
	Phone string   `json:"phone"`
	Roles []string `json:"roles"`
}

// Public returns the safe projection. It never includes the TOTP secret or refresh hash.
func (a *Account) Public() PublicAccount {
	return PublicAccount{ID: a.ID, Phone: a.Phone, Roles: RoleNames(a.Roles)}
}
