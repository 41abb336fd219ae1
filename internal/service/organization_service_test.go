package service

import (
	"context"
	"errors"
	"testing"

	"github.com/yourorg/stockroom/internal/domain"
)

type fakeOrgBackend struct {
	insertErr     error
	membershipErr error
	memberships   []domain.Membership
}

func (f *fakeOrgBackend) InsertOrganization(ctx context.Context, name, slug string) (*domain.Organization, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	return &domain.Organization{ID: "org-1", Name: name, Slug: slug}, nil
}

func (f *fakeOrgBackend) InsertMembership(ctx context.Context, userID, orgID string, role domain.Role) (*domain.Membership, error) {
	if f.membershipErr != nil {
		return nil, f.membershipErr
	}
	m := domain.Membership{ID: int64(len(f.memberships) + 1), UserID: userID, OrganizationID: orgID, Role: role}
	f.memberships = append(f.memberships, m)
	return &m, nil
}

func TestCreateOrganizationForUser(t *testing.T) {
	backend := &fakeOrgBackend{}
	svc := NewOrganizationService(backend, nil)

	org, err := svc.CreateOrganizationForUser(context.Background(), "u-1", "Mario's Kitchen", "marios-kitchen")
	if err != nil {
		t.Fatal(err)
	}
	if org.Name != "Mario's Kitchen" || org.Slug != "marios-kitchen" {
		t.Errorf("created org = %+v", org)
	}

	if len(backend.memberships) != 1 {
		t.Fatalf("got %d memberships, want 1", len(backend.memberships))
	}
	m := backend.memberships[0]
	if m.UserID != "u-1" || m.OrganizationID != "org-1" || m.Role != domain.RoleOwner {
		t.Errorf("owner membership = %+v", m)
	}
}

func TestCreateOrganizationValidation(t *testing.T) {
	svc := NewOrganizationService(&fakeOrgBackend{}, nil)
	ctx := context.Background()

	tests := []struct {
		name       string
		userID     string
		orgName    string
		slug       string
	}{
		{"missing user", "", "Kitchen", "kitchen"},
		{"missing name", "u-1", "   ", "kitchen"},
		{"missing slug", "u-1", "Kitchen", ""},
		{"uppercase slug", "u-1", "Kitchen", "Kitchen"},
		{"slug with spaces", "u-1", "Kitchen", "my kitchen"},
		{"leading hyphen", "u-1", "Kitchen", "-kitchen"},
		{"trailing hyphen", "u-1", "Kitchen", "kitchen-"},
		{"double hyphen", "u-1", "Kitchen", "my--kitchen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreateOrganizationForUser(ctx, tt.userID, tt.orgName, tt.slug); err == nil {
				t.Errorf("expected validation error for slug %q", tt.slug)
			}
		})
	}
}

func TestCreateOrganizationMembershipFailureSurfaces(t *testing.T) {
	backend := &fakeOrgBackend{membershipErr: errors.New("link failed")}
	svc := NewOrganizationService(backend, nil)

	if _, err := svc.CreateOrganizationForUser(context.Background(), "u-1", "Kitchen", "kitchen"); err == nil {
		t.Error("owner link failure must surface, not be swallowed")
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Mario's Kitchen", "mario-s-kitchen"},
		{"The   Golden  Spoon", "the-golden-spoon"},
		{"Café 42", "caf-42"},
		{"--already--slugged--", "already-slugged"},
		{"UPPER", "upper"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
