package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserSettings holds per-user preferences with a fixed schema. It is
// persisted as JSON but validated at the storage boundary rather than
// treated as an opaque blob.
type UserSettings struct {
	// PreferredModel overrides the configured default model, if set.
	PreferredModel string `json:"preferred_model,omitempty"`

	// Timezone is an IANA zone name used when rendering timestamps
	// in outbound replies.
	Timezone string `json:"timezone,omitempty"`

	// ReplyHTML controls whether outbound replies include an HTML body.
	ReplyHTML bool `json:"reply_html,omitempty"`
}

// User aggregates one or more email addresses under a single identity.
// Users are created on first contact from an unrecognized address and
// are never hard-deleted.
type User struct {
	ID             string       `json:"id"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	Name           string       `json:"name,omitempty"`
	EmailAddresses []string     `json:"email_addresses"`
	Settings       UserSettings `json:"settings"`
}

// NewUser creates a user owning the given addresses. Addresses are
// normalized to lower case; at least one is required.
func NewUser(addresses ...string) (*User, error) {
	if len(addresses) == 0 {
		return nil, fmt.Errorf("user requires at least one email address")
	}

	normalized := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		addr = NormalizeAddress(addr)
		if addr == "" {
			return nil, fmt.Errorf("empty email address")
		}
		normalized = append(normalized, addr)
	}

	now := time.Now().UTC()
	return &User{
		ID:             uuid.New().String(),
		CreatedAt:      now,
		UpdatedAt:      now,
		EmailAddresses: normalized,
	}, nil
}

// HasAddress reports whether the user owns the given address,
// comparing in normalized form.
func (u *User) HasAddress(addr string) bool {
	addr = NormalizeAddress(addr)
	for _, a := range u.EmailAddresses {
		if a == addr {
			return true
		}
	}
	return false
}

// NormalizeAddress lower-cases and trims an email address so that
// lookups are case-insensitive.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
