package authstate

import "github.com/yourorg/stockroom/internal/domain"

// State is the consolidated auth/organization machine:
//
//	Unknown -> LoadingSession            bootstrap start
//	LoadingSession -> Anonymous          no session found
//	LoadingSession -> AuthenticatedNoOrg session found, org pending/absent
//	AuthenticatedNoOrg -> AuthenticatedWithOrg   org lookup resolved
//	Authenticated* -> Anonymous          sign-out event
//	Anonymous -> AuthenticatedNoOrg      sign-in event
//
// There is no terminal state; the machine runs for the application's
// lifetime.
type State int

const (
	StateUnknown State = iota
	StateLoadingSession
	StateAnonymous
	StateAuthenticatedNoOrg
	StateAuthenticatedWithOrg
)

func (s State) String() string {
	switch s {
	case StateLoadingSession:
		return "loading_session"
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticatedNoOrg:
		return "authenticated_no_org"
	case StateAuthenticatedWithOrg:
		return "authenticated_with_org"
	default:
		return "unknown"
	}
}

// Snapshot is the read-only projection consumed by route guards and views.
// Readers never mutate auth state through it.
type Snapshot struct {
	User         *domain.User
	Organization *domain.Organization
	Loading      bool
	State        State
}
