package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/yourorg/stockroom/internal/domain"
	"github.com/yourorg/stockroom/internal/observability/metrics"
	"github.com/yourorg/stockroom/internal/reliability/circuitbreaker"
	"github.com/yourorg/stockroom/internal/reliability/retry"
	"github.com/yourorg/stockroom/pkg/config"
)

// Client talks to the hosted backend: auth endpoints, tenant-scoped record
// endpoints, and the realtime auth-event channel. It implements
// domain.SessionSource, domain.AuthEventSource, domain.OrganizationDirectory
// and domain.InventoryStore.
//
// When the backend credentials are missing every operation returns a
// ConfigurationError so callers can render a "not configured" state;
// the client never substitutes placeholder data.
type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	logger     *slog.Logger
	store      SessionStore
	retryCfg   *retry.Config
	breaker    *circuitbreaker.CircuitBreaker

	// nil when configured; returned verbatim by every operation otherwise
	notConfigured *ConfigurationError

	mu      sync.Mutex
	session *domain.Session
	loaded  bool

	events   *dispatcher
	realtime *realtimeListener
}

// Options tunes client construction.
type Options struct {
	// Store persists sessions between runs. Optional.
	Store SessionStore
	// Logger for structured output. Defaults to slog.Default().
	Logger *slog.Logger
	// HTTPClient overrides the instrumented default, used by tests.
	HTTPClient *http.Client
	// Realtime opens the websocket auth-event channel so sign-outs and
	// token refreshes from other devices reach this process.
	Realtime bool
}

// NewClient builds a backend client from configuration. Missing credentials
// do not fail construction: the client degrades to the not-configured state.
func NewClient(cfg *config.Config, opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: otelhttp.NewTransport(&metrics.Transport{}),
		}
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.Retryable = IsNetwork

	breaker := circuitbreaker.New(5, 2, 30*time.Second)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		log.Warn("backend circuit breaker state change",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
		metrics.ObserveBreakerTransition(to.String())
	})

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BackendURL, "/"),
		anonKey:    cfg.BackendAnonKey,
		httpClient: httpClient,
		logger:     log,
		store:      opts.Store,
		retryCfg:   retryCfg,
		breaker:    breaker,
		events:     newDispatcher(log),
	}

	if !cfg.Configured() {
		c.notConfigured = &ConfigurationError{
			Reason: "STOCKROOM_BACKEND_URL and STOCKROOM_BACKEND_ANON_KEY must be set",
		}
		log.Warn("backend credentials missing, client is in not-configured state")
		return c
	}

	if opts.Realtime {
		c.realtime = newRealtimeListener(c, log)
		c.realtime.start()
	}

	return c
}

// Close tears down the event dispatcher and realtime channel. Subscribers
// receive no further events.
func (c *Client) Close() {
	if c.realtime != nil {
		c.realtime.stop()
	}
	c.events.close()
}

// Session returns the current session, refreshing it against the backend
// when the cached copy has expired. A nil session with nil error means no
// user is signed in.
func (c *Client) Session(ctx context.Context) (*domain.Session, error) {
	if c.notConfigured != nil {
		return nil, c.notConfigured
	}

	c.mu.Lock()
	if !c.loaded {
		c.loaded = true
		if c.store != nil {
			sess, err := c.store.Load()
			if err != nil {
				c.logger.Warn("failed to load persisted session", slog.String("error", err.Error()))
			} else {
				c.session = sess
			}
		}
	}
	sess := c.session
	c.mu.Unlock()

	if sess == nil {
		return nil, nil
	}
	if !sess.Expired(time.Now()) {
		copied := *sess
		return &copied, nil
	}

	return c.refreshSession(ctx, sess.RefreshToken)
}

// refreshSession exchanges a refresh token for a fresh session and emits a
// token-refresh event on success.
func (c *Client) refreshSession(ctx context.Context, refreshToken string) (*domain.Session, error) {
	if refreshToken == "" {
		c.clearSession()
		return nil, nil
	}

	var env sessionEnvelope
	body := map[string]string{"refresh_token": refreshToken}
	err := c.do(ctx, "refresh session", http.MethodPost, "/auth/v1/token?grant_type=refresh_token", false, body, &env)
	if err != nil {
		var ae *AuthError
		if errors.As(err, &ae) {
			// The refresh token was rejected: the backend destroyed the
			// session, treat it as signed out.
			c.clearSession()
			c.events.emit(domain.AuthEvent{Kind: domain.AuthSignedOut})
			return nil, nil
		}
		return nil, err
	}

	sess := env.toSession(time.Now())
	c.setSession(sess)
	c.events.emit(domain.AuthEvent{Kind: domain.AuthTokenRefreshed, Session: sess})
	copied := *sess
	return &copied, nil
}

// SignUp registers a new account and signs it in.
func (c *Client) SignUp(ctx context.Context, email, password string) (*domain.Session, error) {
	var env sessionEnvelope
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, "sign up", http.MethodPost, "/auth/v1/signup", false, body, &env); err != nil {
		return nil, err
	}

	sess := env.toSession(time.Now())
	c.setSession(sess)
	c.events.emit(domain.AuthEvent{Kind: domain.AuthSignedIn, Session: sess})
	copied := *sess
	return &copied, nil
}

// SignIn authenticates with email and password.
func (c *Client) SignIn(ctx context.Context, email, password string) (*domain.Session, error) {
	var env sessionEnvelope
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, "sign in", http.MethodPost, "/auth/v1/token?grant_type=password", false, body, &env); err != nil {
		return nil, err
	}

	sess := env.toSession(time.Now())
	c.setSession(sess)
	c.events.emit(domain.AuthEvent{Kind: domain.AuthSignedIn, Session: sess})
	copied := *sess
	return &copied, nil
}

// SignOut revokes the session on the backend, then clears local state and
// emits a sign-out event. If the backend call fails the local session is
// kept, so the client never claims to be logged out while the backend
// still considers it logged in.
func (c *Client) SignOut(ctx context.Context) error {
	if c.notConfigured != nil {
		return c.notConfigured
	}

	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return nil
	}

	if err := c.do(ctx, "sign out", http.MethodPost, "/auth/v1/logout", true, nil, nil); err != nil {
		return err
	}

	c.clearSession()
	c.events.emit(domain.AuthEvent{Kind: domain.AuthSignedOut})
	return nil
}

// ResetPassword asks the backend to send a password recovery email.
func (c *Client) ResetPassword(ctx context.Context, email string) error {
	body := map[string]string{"email": email}
	return c.do(ctx, "reset password", http.MethodPost, "/auth/v1/recover", false, body, nil)
}

// UpdatePassword sets a new password for the signed-in user.
func (c *Client) UpdatePassword(ctx context.Context, newPassword string) error {
	body := map[string]string{"password": newPassword}
	return c.do(ctx, "update password", http.MethodPut, "/auth/v1/user", true, body, nil)
}

// Subscribe registers fn for auth events. Events are delivered one at a
// time, in the order the backend emits them. The returned function removes
// the subscription.
func (c *Client) Subscribe(fn func(domain.AuthEvent)) (func(), error) {
	if c.notConfigured != nil {
		return nil, c.notConfigured
	}
	return c.events.subscribe(fn), nil
}

func (c *Client) setSession(sess *domain.Session) {
	c.mu.Lock()
	c.session = sess
	c.loaded = true
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Save(sess); err != nil {
			c.logger.Warn("failed to persist session", slog.String("error", err.Error()))
		}
	}
}

func (c *Client) clearSession() {
	c.mu.Lock()
	c.session = nil
	c.loaded = true
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Clear(); err != nil {
			c.logger.Warn("failed to clear persisted session", slog.String("error", err.Error()))
		}
	}
}

func (c *Client) accessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccessToken
}

// do issues one backend call with retry on transient failures. Auth and
// configuration errors are returned immediately.
func (c *Client) do(ctx context.Context, op, method, path string, authed bool, body, out any) error {
	if c.notConfigured != nil {
		return c.notConfigured
	}

	_, err := retry.Do(ctx, c.retryCfg, c.logger, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.doOnce(ctx, op, method, path, authed, body, out)
	})
	return err
}

func (c *Client) doOnce(ctx context.Context, op, method, path string, authed bool, body, out any) error {
	if !c.breaker.Allow() {
		return &NetworkError{Op: op, Err: errors.New("backend circuit open")}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}

	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if method == http.MethodPost || method == http.MethodPatch {
		req.Header.Set("Prefer", "return=representation")
	}

	token := c.anonKey
	if authed {
		if at := c.accessToken(); at != "" {
			token = at
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		c.breaker.RecordFailure()
		return &NetworkError{Op: op, Err: fmt.Errorf("backend returned status %d", resp.StatusCode)}
	}
	c.breaker.RecordSuccess()

	if resp.StatusCode >= 400 {
		return mapAPIError(resp)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", op, err)
		}
	}
	return nil
}

// apiError is the backend's JSON error shape.
type apiError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	ErrorCode   string `json:"error_code"`
	Description string `json:"error_description"`
}

// mapAPIError turns a 4xx response into a typed AuthError so UI layers can
// render inline messages instead of crashing.
func mapAPIError(resp *http.Response) error {
	var body apiError
	_ = json.NewDecoder(resp.Body).Decode(&body)

	code := body.Code
	if code == "" {
		code = body.ErrorCode
	}
	message := body.Message
	if message == "" {
		message = body.Description
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	kind := AuthUnknown
	switch code {
	case "invalid_credentials", "invalid_grant":
		kind = AuthInvalidCredentials
	case "weak_password":
		kind = AuthWeakPassword
	case "email_exists", "user_already_exists":
		kind = AuthEmailTaken
	case "23505", "duplicate_slug":
		kind = AuthDuplicateSlug
	case "session_missing":
		kind = AuthSessionMissing
	default:
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = AuthInvalidCredentials
		case http.StatusConflict:
			kind = AuthDuplicateSlug
		}
	}

	return &AuthError{Kind: kind, Status: resp.StatusCode, Message: message}
}
