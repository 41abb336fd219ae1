package authstate

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/yourorg/stockroom/internal/domain"
	"github.com/yourorg/stockroom/internal/observability/metrics"
	"github.com/yourorg/stockroom/internal/security/audit"
	"github.com/yourorg/stockroom/internal/snapshot"
)

// Authenticator is the mutation surface delegated to the backend client.
type Authenticator interface {
	SignUp(ctx context.Context, email, password string) (*domain.Session, error)
	SignIn(ctx context.Context, email, password string) (*domain.Session, error)
	SignOut(ctx context.Context) error
	ResetPassword(ctx context.Context, email string) error
	UpdatePassword(ctx context.Context, newPassword string) error
}

// OrganizationCreator runs the onboarding flow: create the organization and
// link the creating user as owner.
type OrganizationCreator interface {
	CreateOrganizationForUser(ctx context.Context, userID, name, slug string) (*domain.Organization, error)
}

// Config wires a Manager. Sessions, Events and Directory are required;
// Cache enables the instant-display organization snapshot.
type Config struct {
	Sessions  domain.SessionSource
	Events    domain.AuthEventSource
	Directory domain.OrganizationDirectory
	Auth      Authenticator
	Orgs      OrganizationCreator
	Cache     snapshot.Store
	Logger    *slog.Logger
	Audit     *audit.Logger
}

// Manager owns the in-memory auth/organization state cell. It is written
// only by the session bootstrap, the auth event listener, and the
// organization resolver; everything else reads snapshots.
//
// Two guards keep concurrent writes coherent: a closed flag so results
// arriving after teardown are never applied, and a generation counter on
// organization lookups so a result that was superseded by a newer sign-in
// or by a sign-out is discarded instead of repopulating stale state.
type Manager struct {
	sessions  domain.SessionSource
	events    domain.AuthEventSource
	directory domain.OrganizationDirectory
	auth      Authenticator
	orgs      OrganizationCreator
	cache     snapshot.Store
	logger    *slog.Logger
	audit     *audit.Logger

	mu          sync.Mutex
	state       State
	user        *domain.User
	org         *domain.Organization
	loading     bool
	orgGen      uint64
	closed      bool
	unsubscribe func()
	subs        map[int]func(Snapshot)
	nextSub     int
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewManager creates a Manager in the Unknown state; nothing happens until
// Start.
func NewManager(cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	aud := cfg.Audit
	if aud == nil {
		aud = audit.NewLogger(log)
	}

	return &Manager{
		sessions:  cfg.Sessions,
		events:    cfg.Events,
		directory: cfg.Directory,
		auth:      cfg.Auth,
		orgs:      cfg.Orgs,
		cache:     cfg.Cache,
		logger:    log,
		audit:     aud,
		state:     StateUnknown,
		loading:   true,
		subs:      map[int]func(Snapshot){},
	}
}

// Start subscribes to auth events and performs the one-time session
// bootstrap. It returns immediately; state changes arrive via snapshots.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("auth state manager is closed")
	}
	if m.state != StateUnknown {
		m.mu.Unlock()
		return errors.New("auth state manager already started")
	}
	m.state = StateLoadingSession
	m.loading = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	// Subscribe before the bootstrap fetch so no event can slip between
	// the two.
	unsub, err := m.events.Subscribe(m.handleEvent)
	if err != nil {
		m.mu.Lock()
		m.state = StateUnknown
		m.cancel()
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	m.unsubscribe = unsub
	m.mu.Unlock()

	go m.bootstrap()
	return nil
}

// Close tears the manager down: the event subscription is removed and any
// in-flight bootstrap or lookup result is dropped rather than applied.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	unsub := m.unsubscribe
	cancel := m.cancel
	m.subs = map[int]func(Snapshot){}
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
}

// Snapshot returns the current projection.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// State returns the current machine state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn for snapshot changes and calls it once with the
// current snapshot. The returned function removes the subscription.
func (m *Manager) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	snap := m.snapshotLocked()
	m.mu.Unlock()

	fn(snap)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// bootstrap performs exactly one get-current-session call and seeds state
// from the result. If an auth event already advanced the machine past
// LoadingSession, the event's view wins and the bootstrap result is
// dropped.
func (m *Manager) bootstrap() {
	sess, err := m.sessions.Session(m.ctx)

	m.mu.Lock()
	if m.closed || m.state != StateLoadingSession {
		m.mu.Unlock()
		return
	}

	if err != nil {
		m.logger.Error("session bootstrap failed", slog.String("error", err.Error()))
		m.user = nil
		m.loading = false
		m.state = StateAnonymous
		notify := m.notifyLocked()
		m.mu.Unlock()
		notify()
		return
	}

	if sess == nil {
		m.user = nil
		m.loading = false
		m.state = StateAnonymous
		notify := m.notifyLocked()
		m.mu.Unlock()
		notify()
		return
	}

	user := sess.User
	m.user = &user
	m.state = StateAuthenticatedNoOrg
	// Loading stays true until the first organization resolution lands,
	// so route guards don't flicker to onboarding before the org is known.
	gen := m.beginResolveLocked(user.ID)
	notify := m.notifyLocked()
	m.mu.Unlock()
	notify()

	go m.resolveOrganization(gen, user.ID)
}

// handleEvent processes one auth event. Events arrive from a single
// dispatch goroutine, so they are applied strictly in delivery order.
func (m *Manager) handleEvent(ev domain.AuthEvent) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	var resolveGen uint64
	var resolveUser string

	switch ev.Kind {
	case domain.AuthSignedOut:
		// Bump the generation first: an organization lookup still in
		// flight from a prior sign-in must not repopulate state after
		// this point.
		m.orgGen++
		prevUser := m.user
		m.user = nil
		m.org = nil
		m.loading = false
		m.state = StateAnonymous
		if m.cache != nil && prevUser != nil {
			m.cache.Delete(m.ctx, prevUser.ID)
		}

	case domain.AuthSignedIn:
		if ev.Session == nil {
			m.mu.Unlock()
			return
		}
		user := ev.Session.User
		m.user = &user
		m.org = nil
		m.state = StateAuthenticatedNoOrg
		resolveGen = m.beginResolveLocked(user.ID)
		resolveUser = user.ID

	case domain.AuthTokenRefreshed:
		if ev.Session != nil {
			user := ev.Session.User
			m.user = &user
		}

	default:
		m.mu.Unlock()
		return
	}

	notify := m.notifyLocked()
	m.mu.Unlock()
	notify()

	if resolveUser != "" {
		go m.resolveOrganization(resolveGen, resolveUser)
	}
}

// beginResolveLocked starts a new resolver generation and, when a cached
// snapshot exists, shows it immediately while the authoritative lookup
// runs. Must be called with m.mu held.
func (m *Manager) beginResolveLocked(userID string) uint64 {
	m.orgGen++
	if m.cache != nil {
		if org, ok := m.cache.Get(m.ctx, userID); ok {
			metrics.ObserveOrgCache("hit")
			m.org = org
			m.state = StateAuthenticatedWithOrg
		} else {
			metrics.ObserveOrgCache("miss")
		}
	}
	return m.orgGen
}

// resolveOrganization runs the authoritative membership lookup. The result
// always supersedes a cached snapshot, unless the generation moved on (a
// newer sign-in, or a sign-out) in which case it is discarded.
func (m *Manager) resolveOrganization(gen uint64, userID string) {
	org, err := m.directory.OrganizationForUser(m.ctx, userID)

	m.mu.Lock()
	if m.closed || gen != m.orgGen {
		metrics.ObserveOrgLookup("discarded")
		m.mu.Unlock()
		return
	}

	switch {
	case err != nil:
		// Absence and failure both leave the user without an
		// organization; onboarding is the next step either way.
		metrics.ObserveOrgLookup("error")
		m.logger.Error("organization lookup failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		m.org = nil
		m.state = StateAuthenticatedNoOrg
	case org == nil:
		metrics.ObserveOrgLookup("none")
		m.org = nil
		m.state = StateAuthenticatedNoOrg
		if m.cache != nil {
			m.cache.Delete(m.ctx, userID)
		}
	default:
		metrics.ObserveOrgLookup("found")
		m.org = org
		m.state = StateAuthenticatedWithOrg
		if m.cache != nil {
			m.cache.Set(m.ctx, userID, *org)
		}
	}
	m.loading = false

	notify := m.notifyLocked()
	m.mu.Unlock()
	notify()
}

// SignUp registers a new account; state updates arrive via the resulting
// auth event.
func (m *Manager) SignUp(ctx context.Context, email, password string) error {
	sess, err := m.auth.SignUp(ctx, email, password)
	if err != nil {
		return err
	}
	m.audit.LogSignUp(ctx, sess.User.ID, "ok", email)
	return nil
}

// SignIn authenticates; state updates arrive via the resulting auth event.
func (m *Manager) SignIn(ctx context.Context, email, password string) error {
	sess, err := m.auth.SignIn(ctx, email, password)
	if err != nil {
		m.audit.LogSignIn(ctx, "", "failed", email)
		return err
	}
	m.audit.LogSignIn(ctx, sess.User.ID, "ok", email)
	return nil
}

// SignOut revokes the backend session. On failure local state is left
// untouched, so the projection never claims "logged out" while the backend
// still holds a live session.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	user := m.user
	m.mu.Unlock()

	if err := m.auth.SignOut(ctx); err != nil {
		return err
	}
	if user != nil {
		m.audit.LogSignOut(ctx, user.ID, "ok", "")
	}
	return nil
}

// ResetPassword requests a password recovery email.
func (m *Manager) ResetPassword(ctx context.Context, email string) error {
	return m.auth.ResetPassword(ctx, email)
}

// UpdatePassword sets a new password for the signed-in user.
func (m *Manager) UpdatePassword(ctx context.Context, newPassword string) error {
	return m.auth.UpdatePassword(ctx, newPassword)
}

// CreateOrganization runs onboarding for the signed-in user and applies the
// new organization to state directly; no lookup round-trip is needed since
// the result is authoritative.
func (m *Manager) CreateOrganization(ctx context.Context, name, slug string) (*domain.Organization, error) {
	m.mu.Lock()
	user := m.user
	m.mu.Unlock()
	if user == nil {
		return nil, errors.New("no signed-in user")
	}
	if m.orgs == nil {
		return nil, errors.New("organization creation not configured")
	}

	org, err := m.orgs.CreateOrganizationForUser(ctx, user.ID, name, slug)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if !m.closed && m.user != nil && m.user.ID == user.ID {
		m.orgGen++ // the created org supersedes any lookup in flight
		m.org = org
		m.state = StateAuthenticatedWithOrg
		m.loading = false
		if m.cache != nil {
			m.cache.Set(ctx, user.ID, *org)
		}
	}
	notify := m.notifyLocked()
	m.mu.Unlock()
	notify()

	m.audit.LogOrganizationCreated(ctx, user.ID, org.ID, "ok", org.Slug)
	return org, nil
}

// snapshotLocked copies current state. Must be called with m.mu held.
func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{Loading: m.loading, State: m.state}
	if m.user != nil {
		user := *m.user
		snap.User = &user
	}
	if m.org != nil {
		org := *m.org
		snap.Organization = &org
	}
	return snap
}

// notifyLocked captures subscribers and the current snapshot; the returned
// function must be called after releasing m.mu.
func (m *Manager) notifyLocked() func() {
	snap := m.snapshotLocked()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Snapshot), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.subs[id])
	}

	return func() {
		for _, fn := range fns {
			fn(snap)
		}
	}
}
