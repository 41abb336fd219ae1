package authstate

// Route is the redirect decision derived from a snapshot.
type Route int

const (
	// RouteNone means the session is still loading; redirecting now would
	// flicker before the session is known.
	RouteNone Route = iota
	RouteLogin
	RouteOnboarding
	RouteApp
)

func (r Route) String() string {
	switch r {
	case RouteLogin:
		return "login"
	case RouteOnboarding:
		return "onboarding"
	case RouteApp:
		return "app"
	default:
		return "none"
	}
}

// RouteFor maps a snapshot to the page the user belongs on: absent user to
// login, present user without an organization to onboarding, both present
// to the main application. While Loading is true it returns RouteNone and
// callers must not redirect.
func RouteFor(s Snapshot) Route {
	if s.Loading {
		return RouteNone
	}
	if s.User == nil {
		return RouteLogin
	}
	if s.Organization == nil {
		return RouteOnboarding
	}
	return RouteApp
}
