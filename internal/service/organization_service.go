package service

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/yourorg/stockroom/internal/domain"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// OrganizationBackend is the backend surface the onboarding flow needs.
type OrganizationBackend interface {
	InsertOrganization(ctx context.Context, name, slug string) (*domain.Organization, error)
	InsertMembership(ctx context.Context, userID, orgID string, role domain.Role) (*domain.Membership, error)
}

// OrganizationService runs the onboarding flow: claim a slug, create the
// organization, and link the creating user as its owner.
type OrganizationService struct {
	backend OrganizationBackend
	logger  *slog.Logger
}

// NewOrganizationService creates a new organization service
func NewOrganizationService(backend OrganizationBackend, logger *slog.Logger) *OrganizationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrganizationService{backend: backend, logger: logger}
}

// CreateOrganizationForUser creates the organization and the owner
// membership. Slug uniqueness is enforced by the backend; a conflict
// surfaces as a typed duplicate-slug error from the insert.
func (s *OrganizationService) CreateOrganizationForUser(ctx context.Context, userID, name, slug string) (*domain.Organization, error) {
	name = strings.TrimSpace(name)
	slug = strings.TrimSpace(slug)

	if userID == "" {
		return nil, errors.New("user is required")
	}
	if name == "" {
		return nil, errors.New("restaurant name is required")
	}
	if slug == "" {
		return nil, errors.New("url slug is required")
	}
	if !slugPattern.MatchString(slug) {
		return nil, errors.New("slug must contain only lowercase letters, digits, and hyphens")
	}

	org, err := s.backend.InsertOrganization(ctx, name, slug)
	if err != nil {
		return nil, err
	}

	if _, err := s.backend.InsertMembership(ctx, userID, org.ID, domain.RoleOwner); err != nil {
		// The organization row exists but the user isn't linked to it;
		// without the membership the resolver will treat the user as
		// org-less, so surface the failure.
		s.logger.Error("organization created but owner link failed",
			slog.String("organization_id", org.ID),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.logger.Info("organization created",
		slog.String("organization_id", org.ID),
		slog.String("slug", org.Slug),
		slog.String("owner", userID),
	)
	return org, nil
}

// Slugify derives a URL-safe slug from a display name, the same way the
// onboarding form pre-fills it: lowercase, runs of non-alphanumerics
// collapsed to single hyphens, leading/trailing hyphens trimmed.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
