package domain

import (
	"context"
	"time"
)

// Organization is a tenant: the restaurant account that owns a set of
// inventory items. Slugs are globally unique once claimed.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}

// Role is a user's role within an organization.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

// Membership links a user to an organization with a role. The relation is
// nominally many-to-many, but the product supports one organization per
// user; lookups resolve ties by lowest membership ID.
type Membership struct {
	ID             int64     `json:"id"`
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	Role           Role      `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// OrganizationDirectory resolves the organization a user belongs to.
// A user with no memberships yields (nil, nil); that is not an error,
// onboarding is the expected next step.
type OrganizationDirectory interface {
	OrganizationForUser(ctx context.Context, userID string) (*Organization, error)
}
