package authstate

import (
	"testing"

	"github.com/yourorg/stockroom/internal/domain"
)

func TestRouteFor(t *testing.T) {
	user := &domain.User{ID: "u-1", Email: "a@x.com"}
	org := &domain.Organization{ID: "org-1", Name: "Kitchen", Slug: "kitchen"}

	tests := []struct {
		name string
		snap Snapshot
		want Route
	}{
		{"loading", Snapshot{Loading: true}, RouteNone},
		{"loading with user", Snapshot{Loading: true, User: user}, RouteNone},
		{"loading with user and org", Snapshot{Loading: true, User: user, Organization: org}, RouteNone},
		{"anonymous", Snapshot{}, RouteLogin},
		{"user without org", Snapshot{User: user}, RouteOnboarding},
		{"user with org", Snapshot{User: user, Organization: org}, RouteApp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RouteFor(tt.snap); got != tt.want {
				t.Errorf("RouteFor(%+v) = %v, want %v", tt.snap, got, tt.want)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	if StateAuthenticatedWithOrg.String() != "authenticated_with_org" {
		t.Errorf("unexpected state name %q", StateAuthenticatedWithOrg.String())
	}
	if State(99).String() != "unknown" {
		t.Errorf("out-of-range state should read as unknown")
	}
}
