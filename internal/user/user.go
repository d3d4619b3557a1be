// Package user provides user profile storage. Profiles feed the agent's user
// context; the email field is sensitive and is excluded from everything that
// reaches a prompt.
package user

import (
	"context"
	"time"
)

// Profile describes a user of the service.
type Profile struct {
	UserID       string         `json:"user_id" db:"user_id"`
	Username     string         `json:"username" db:"username"`
	DisplayName  string         `json:"display_name" db:"display_name"`
	Email        string         `json:"email,omitempty" db:"email"`
	Department   string         `json:"department,omitempty" db:"department"`
	Role         string         `json:"role,omitempty" db:"role"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// PromptFields returns the profile attributes that may appear in prompt
// composition. Email is sensitive and never included.
func (p *Profile) PromptFields() map[string]any {
	fields := make(map[string]any)
	if p.DisplayName != "" {
		fields["display_name"] = p.DisplayName
	}
	if p.Username != "" {
		fields["username"] = p.Username
	}
	if p.Department != "" {
		fields["department"] = p.Department
	}
	if p.Role != "" {
		fields["role"] = p.Role
	}
	for k, v := range p.CustomFields {
		fields[k] = v
	}
	return fields
}

// Store defines user profile operations.
type Store interface {
	// Create inserts a profile. UserID is assigned when empty.
	Create(ctx context.Context, profile *Profile) error

	// Get retrieves a profile by user ID.
	Get(ctx context.Context, userID string) (*Profile, error)

	// GetByUsername retrieves a profile by its unique username.
	GetByUsername(ctx context.Context, username string) (*Profile, error)

	// Update replaces the profile's mutable fields. UserID is immutable.
	Update(ctx context.Context, profile *Profile) error

	// Delete removes a profile by user ID.
	Delete(ctx context.Context, userID string) error

	// Close releases any backing resources.
	Close() error
}
