package authstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yourorg/stockroom/internal/domain"
	"github.com/yourorg/stockroom/internal/snapshot"
)

type fakeSessions struct {
	mu    sync.Mutex
	sess  *domain.Session
	err   error
	block chan struct{} // when non-nil Session waits on it
}

func (f *fakeSessions) Session(ctx context.Context) (*domain.Session, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sess, f.err
}

type fakeEvents struct {
	mu           sync.Mutex
	fn           func(domain.AuthEvent)
	unsubscribed bool
	subscribeErr error
}

func (f *fakeEvents) Subscribe(fn func(domain.AuthEvent)) (func(), error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.unsubscribed = true
		f.fn = nil
		f.mu.Unlock()
	}, nil
}

func (f *fakeEvents) emit(ev domain.AuthEvent) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

type fakeDirectory struct {
	mu    sync.Mutex
	org   *domain.Organization
	err   error
	calls int
	block chan struct{} // when non-nil each lookup waits on it
}

func (f *fakeDirectory) OrganizationForUser(ctx context.Context, userID string) (*domain.Organization, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.org, f.err
}

func (f *fakeDirectory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeDirectory) setResult(org *domain.Organization, err error) {
	f.mu.Lock()
	f.org = org
	f.err = err
	f.mu.Unlock()
}

type fakeAuth struct {
	mu         sync.Mutex
	signOutErr error
	signedOut  int
}

func (f *fakeAuth) SignUp(ctx context.Context, email, password string) (*domain.Session, error) {
	return sessionFor("u-new", email), nil
}

func (f *fakeAuth) SignIn(ctx context.Context, email, password string) (*domain.Session, error) {
	return sessionFor("u-new", email), nil
}

func (f *fakeAuth) SignOut(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signedOut++
	return f.signOutErr
}

func (f *fakeAuth) ResetPassword(ctx context.Context, email string) error { return nil }

func (f *fakeAuth) UpdatePassword(ctx context.Context, password string) error { return nil }

type fakeOrgs struct {
	org *domain.Organization
	err error
}

func (f *fakeOrgs) CreateOrganizationForUser(ctx context.Context, userID, name, slug string) (*domain.Organization, error) {
	return f.org, f.err
}

func sessionFor(userID, email string) *domain.Session {
	return &domain.Session{
		AccessToken: "access-" + userID,
		User:        domain.User{ID: userID, Email: email},
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBootstrapNoSession(t *testing.T) {
	m := NewManager(Config{
		Sessions:  &fakeSessions{},
		Events:    &fakeEvents{},
		Directory: &fakeDirectory{},
	})
	defer m.Close()

	if m.State() != StateUnknown {
		t.Fatalf("state before Start = %v, want Unknown", m.State())
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "anonymous state", func() bool { return m.State() == StateAnonymous })

	snap := m.Snapshot()
	if snap.User != nil || snap.Organization != nil {
		t.Error("anonymous snapshot should carry no user or organization")
	}
	if snap.Loading {
		t.Error("loading should be false once the bootstrap settles")
	}
}

func TestBootstrapSessionWithOrganization(t *testing.T) {
	org := &domain.Organization{ID: "org-1", Name: "Mario's Kitchen", Slug: "marios-kitchen"}
	dir := &fakeDirectory{org: org}
	m := NewManager(Config{
		Sessions:  &fakeSessions{sess: sessionFor("u-1", "a@x.com")},
		Events:    &fakeEvents{},
		Directory: dir,
	})
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "resolved state", func() bool { return !m.Snapshot().Loading })

	snap := m.Snapshot()
	if snap.State != StateAuthenticatedWithOrg {
		t.Fatalf("state = %v, want AuthenticatedWithOrg", snap.State)
	}
	if snap.User == nil || snap.User.ID != "u-1" {
		t.Errorf("snapshot user = %+v, want u-1", snap.User)
	}
	if snap.Organization == nil || snap.Organization.ID != "org-1" {
		t.Errorf("snapshot organization = %+v, want org-1", snap.Organization)
	}
}

// Loading must stay true between "session found" and "organization
// resolved"; a guard redirecting on the intermediate snapshot would send
// an onboarded user to onboarding.
func TestLoadingHeldUntilOrganizationResolves(t *testing.T) {
	dir := &fakeDirectory{
		org:   &domain.Organization{ID: "org-1", Name: "Kitchen", Slug: "kitchen"},
		block: make(chan struct{}),
	}
	m := NewManager(Config{
		Sessions:  &fakeSessions{sess: sessionFor("u-1", "a@x.com")},
		Events:    &fakeEvents{},
		Directory: dir,
	})
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "authenticated state", func() bool { return m.State() == StateAuthenticatedNoOrg })

	snap := m.Snapshot()
	if !snap.Loading {
		t.Fatal("loading must stay true while the organization lookup is in flight")
	}
	if RouteFor(snap) != RouteNone {
		t.Fatalf("route while loading = %v, want RouteNone", RouteFor(snap))
	}

	close(dir.block)
	waitFor(t, "resolved state", func() bool { return !m.Snapshot().Loading })
	if got := m.State(); got != StateAuthenticatedWithOrg {
		t.Fatalf("state after resolution = %v, want AuthenticatedWithOrg", got)
	}
}

func TestZeroMembershipsStaysNoOrg(t *testing.T) {
	m := NewManager(Config{
		Sessions:  &fakeSessions{sess: sessionFor("u-1", "a@x.com")},
		Events:    &fakeEvents{},
		Directory: &fakeDirectory{}, // no organization, no error
	})
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "resolved state", func() bool { return !m.Snapshot().Loading })

	snap := m.Snapshot()
	if snap.State != StateAuthenticatedNoOrg {
		t.Fatalf("state = %v, want AuthenticatedNoOrg", snap.State)
	}
	if snap.Organization != nil {
		t.Error("user with no memberships must have a nil organization")
	}
	if RouteFor(snap) != RouteOnboarding {
		t.Errorf("route = %v, want onboarding", RouteFor(snap))
	}
}

// An organization lookup failure must not crash the flow; the user lands
// on onboarding, same as having no membership.
func TestResolveErrorTreatedAsNoOrg(t *testing.T) {
	m := NewManager(Config{
		Sessions:  &fakeSessions{sess: sessionFor("u-1", "a@x.com")},
		Events:    &fakeEvents{},
		Directory: &fakeDirectory{err: errors.New("backend unavailable")},
	})
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "resolved state", func() bool { return !m.Snapshot().Loading })
	if got := m.State(); got != StateAuthenticatedNoOrg {
		t.Fatalf("state = %v, want AuthenticatedNoOrg", got)
	}
}

// A sign-out that lands while the organization lookup is still in flight
// must win: the late result is discarded, not applied to the signed-out
// state.
func TestSignOutBeatsInFlightLookup(t *testing.T) {
	events := &fakeEvents{}
	dir := &fakeDirectory{
		org:   &domain.Organization{ID: "org-1", Name: "Kitchen", Slug: "kitchen"},
		block: make(chan struct{}),
	}
	m := NewManager(Config{
		Sessions:  &fakeSessions{sess: sessionFor("u-1", "a@x.com")},
		Events:    events,
		Directory: dir,
	})
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "lookup started", func() bool { return dir.callCount() == 1 })

	events.emit(domain.AuthEvent{Kind: domain.AuthSignedOut})
	if got := m.State(); got != StateAnonymous {
		t.Fatalf("state after sign-out = %v, want Anonymous", got)
	}

	close(dir.block) // release the stale lookup
	time.Sleep(50 * time.Millisecond)

	snap := m.Snapshot()
	if snap.State != StateAnonymous || snap.Organization != nil || snap.User != nil {
		t.Errorf("stale lookup repopulated state: %+v", snap)
	}
}

// When a second sign-in supersedes the first before its lookup resolves,
// the first result is discarded and only the second user's organization is
// applied.
func TestNewerSignInSupersedesLookup(t *testing.T) {
	events := &fakeEvents{}
	dir := &fakeDirectory{
		org:   &domain.Organization{ID: "org-a", Name: "First", Slug: "first"},
		block: make(chan struct{}),
	}
	m := NewManager(Config{
		Sessions:  &fakeSessions{sess: sessionFor("u-a", "a@x.com")},
		Events:    events,
		Directory: dir,
	})
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first lookup started", func() bool { return dir.callCount() == 1 })

	// Second sign-in while the first lookup hangs. Its lookup will also
	// block on the same gate but reads a different result once released.
	events.emit(domain.AuthEvent{Kind: domain.AuthSignedIn, Session: sessionFor("u-b", "b@x.com")})
	waitFor(t, "second lookup started", func() bool { return dir.callCount() == 2 })

	dir.setResult(&domain.Organization{ID: "org-b", Name: "Second", Slug: "second"}, nil)
	close(dir.block)

	waitFor(t, "resolved state", func() bool { return !m.Snapshot().Loading })

	snap := m.Snapshot()
	if snap.User == nil || snap.User.ID != "u-b" {
		t.Fatalf("user = %+v, want u-b", snap.User)
	}
	if snap.Organization == nil || snap.Organization.ID != "org-b" {
		t.Errorf("organization = %+v, want org-b", snap.Organization)
	}
}

// A lookup result arriving after Close must not be applied.
func TestCloseDropsInFlightLookup(t *testing.T) {
	dir := &fakeDirectory{
		org:   &domain.Organization{ID: "org-1", Name: "Kitchen", Slug: "kitchen"},
		block: make(chan struct{}),
	}
	events := &fakeEvents{}
	m := NewManager(Config{
		Sessions:  &fakeSessions{sess: sessionFor("u-1", "a@x.com")},
		Events:    events,
		Directory: dir,
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "lookup started", func() bool { return dir.callCount() == 1 })

	m.Close()
	if !events.unsubscribed {
		t.Error("Close must remove the auth event subscription")
	}

	close(dir.block)
	time.Sleep(50 * time.Millisecond)

	if snap := m.Snapshot(); snap.Organization != nil {
		t.Errorf("lookup result applied after Close: %+v", snap)
	}
}

// An auth event that arrives while the bootstrap fetch is still in flight
// advances the machine; the bootstrap result must then be dropped instead
// of clobbering the newer view.
func TestEventDuringBootstrapWins(t *testing.T) {
	sessions := &fakeSessions{block: make(chan struct{})} // would report no session
	events := &fakeEvents{}
	m := NewManager(Config{
		Sessions:  sessions,
		Events:    events,
		Directory: &fakeDirectory{org: &domain.Organization{ID: "org-1", Name: "K", Slug: "k"}},
	})
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	events.emit(domain.AuthEvent{Kind: domain.AuthSignedIn, Session: sessionFor("u-1", "a@x.com")})
	waitFor(t, "resolved state", func() bool { return m.State() == StateAuthenticatedWithOrg })

	close(sessions.block) // bootstrap returns "no session" now
	time.Sleep(50 * time.Millisecond)

	snap := m.Snapshot()
	if snap.State != StateAuthenticatedWithOrg || snap.User == nil {
		t.Errorf("bootstrap result clobbered the signed-in state: %+v", snap)
	}
}

func TestSignOutFailureKeepsState(t *testing.T) {
	auth := &fakeAuth{signOutErr: errors.New("backend unreachable")}
	m := NewManager(Config{
		Sessions:  &fakeSessions{sess: sessionFor("u-1", "a@x.com")},
		Events:    &fakeEvents{},
		Directory: &fakeDirectory{org: &domain.Organization{ID: "org-1", Name: "K", Slug: "k"}},
		Auth:      auth,
	})
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "resolved state", func() bool { return !m.Snapshot().Loading })

	if err := m.SignOut(context.Background()); err == nil {
		t.Fatal("expected sign-out error")
	}

	snap := m.Snapshot()
	if snap.State != StateAuthenticatedWithOrg || snap.User == nil {
		t.Errorf("failed sign-out must leave state untouched, got %+v", snap)
	}
}

func TestCachedSnapshotSupersededByAuthoritativeResult(t *testing.T) {
	cache := snapshot.NewMemoryStore(time.Hour)
	cache.Set(context.Background(), "u-1", domain.Organization{ID: "org-stale", Name: "Old", Slug: "old"})

	dir := &fakeDirectory{block: make(chan struct{})} // authoritative: no membership
	m := NewManager(Config{
		Sessions:  &fakeSessions{sess: sessionFor("u-1", "a@x.com")},
		Events:    &fakeEvents{},
		Directory: dir,
		Cache:     cache,
	})
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Cached snapshot shows instantly while the lookup hangs.
	waitFor(t, "cached organization", func() bool {
		s := m.Snapshot()
		return s.Organization != nil && s.Organization.ID == "org-stale"
	})

	close(dir.block)
	waitFor(t, "resolved state", func() bool { return !m.Snapshot().Loading })

	snap := m.Snapshot()
	if snap.Organization != nil {
		t.Errorf("authoritative empty result must supersede the cached snapshot, got %+v", snap.Organization)
	}
	if _, ok := cache.Get(context.Background(), "u-1"); ok {
		t.Error("cache entry must be dropped when the authoritative lookup finds nothing")
	}
}

func TestSignOutInvalidatesCache(t *testing.T) {
	cache := snapshot.NewMemoryStore(time.Hour)
	events := &fakeEvents{}
	m := NewManager(Config{
		Sessions:  &fakeSessions{sess: sessionFor("u-1", "a@x.com")},
		Events:    events,
		Directory: &fakeDirectory{org: &domain.Organization{ID: "org-1", Name: "K", Slug: "k"}},
		Cache:     cache,
	})
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "cached after resolve", func() bool {
		_, ok := cache.Get(context.Background(), "u-1")
		return ok
	})

	events.emit(domain.AuthEvent{Kind: domain.AuthSignedOut})

	if _, ok := cache.Get(context.Background(), "u-1"); ok {
		t.Error("sign-out must drop the user's cached organization")
	}
	if got := m.State(); got != StateAnonymous {
		t.Errorf("state = %v, want Anonymous", got)
	}
}

func TestCreateOrganizationAppliesDirectly(t *testing.T) {
	org := &domain.Organization{ID: "org-new", Name: "Mario's Kitchen", Slug: "marios-kitchen"}
	m := NewManager(Config{
		Sessions:  &fakeSessions{sess: sessionFor("u-1", "a@x.com")},
		Events:    &fakeEvents{},
		Directory: &fakeDirectory{},
		Orgs:      &fakeOrgs{org: org},
	})
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "onboarding state", func() bool {
		s := m.Snapshot()
		return !s.Loading && s.State == StateAuthenticatedNoOrg
	})

	created, err := m.CreateOrganization(context.Background(), "Mario's Kitchen", "marios-kitchen")
	if err != nil {
		t.Fatal(err)
	}
	if created.ID != "org-new" {
		t.Fatalf("created org = %+v", created)
	}

	snap := m.Snapshot()
	if snap.State != StateAuthenticatedWithOrg || snap.Organization == nil || snap.Organization.ID != "org-new" {
		t.Errorf("snapshot after create = %+v, want org-new applied", snap)
	}
}

func TestTokenRefreshKeepsOrganization(t *testing.T) {
	events := &fakeEvents{}
	m := NewManager(Config{
		Sessions:  &fakeSessions{sess: sessionFor("u-1", "a@x.com")},
		Events:    events,
		Directory: &fakeDirectory{org: &domain.Organization{ID: "org-1", Name: "K", Slug: "k"}},
	})
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "resolved state", func() bool { return m.State() == StateAuthenticatedWithOrg })

	events.emit(domain.AuthEvent{Kind: domain.AuthTokenRefreshed, Session: sessionFor("u-1", "a@x.com")})

	snap := m.Snapshot()
	if snap.State != StateAuthenticatedWithOrg || snap.Organization == nil {
		t.Errorf("token refresh must not disturb the resolved organization: %+v", snap)
	}
}

func TestSubscribeDeliversCurrentSnapshotAndUpdates(t *testing.T) {
	events := &fakeEvents{}
	m := NewManager(Config{
		Sessions:  &fakeSessions{},
		Events:    events,
		Directory: &fakeDirectory{},
	})
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "anonymous state", func() bool { return m.State() == StateAnonymous })

	var mu sync.Mutex
	var states []State
	unsub := m.Subscribe(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	mu.Lock()
	if len(states) != 1 || states[0] != StateAnonymous {
		t.Fatalf("subscriber must be called immediately with the current snapshot, got %v", states)
	}
	mu.Unlock()

	events.emit(domain.AuthEvent{Kind: domain.AuthSignedIn, Session: sessionFor("u-1", "a@x.com")})
	waitFor(t, "subscriber update", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 2
	})

	unsub()
	mu.Lock()
	n := len(states)
	mu.Unlock()

	events.emit(domain.AuthEvent{Kind: domain.AuthSignedOut})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(states) != n {
		t.Error("unsubscribed callback must not receive further snapshots")
	}
}

func TestStartTwiceFails(t *testing.T) {
	m := NewManager(Config{
		Sessions:  &fakeSessions{},
		Events:    &fakeEvents{},
		Directory: &fakeDirectory{},
	})
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Error("second Start must fail")
	}
}
