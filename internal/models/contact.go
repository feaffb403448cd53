package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Contact is an entry in an organization's address book, unique per (organization, email).
type Contact struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	Phone          string    `json:"phone,omitempty"`
	Tags           []string  `json:"tags"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NormalizeEmail lower-cases and trims an address for the (organization, email) key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
