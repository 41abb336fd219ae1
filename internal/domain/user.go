package domain

import (
	"context"
	"time"
)

// User is the authenticated identity as reported by the hosted backend.
// The backend owns the user lifecycle; the client never mutates it directly.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is the client's cached copy of the backend session. The backend
// holds the authoritative copy, so this one may be stale until refreshed.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	User         User      `json:"user"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the session's validity window has passed.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// AuthEventKind identifies an auth lifecycle notification from the backend.
type AuthEventKind string

const (
	AuthSignedIn       AuthEventKind = "SIGNED_IN"
	AuthSignedOut      AuthEventKind = "SIGNED_OUT"
	AuthTokenRefreshed AuthEventKind = "TOKEN_REFRESHED"
)

// AuthEvent is delivered to subscribers on every sign-in, sign-out, and
// token refresh. Session is nil for AuthSignedOut.
type AuthEvent struct {
	Kind    AuthEventKind
	Session *Session
}

// SessionSource provides the current backend session, or nil when no user
// is signed in.
type SessionSource interface {
	Session(ctx context.Context) (*Session, error)
}

// AuthEventSource delivers auth events in the order the backend emits them.
// The returned function removes the subscription.
type AuthEventSource interface {
	Subscribe(fn func(AuthEvent)) (func(), error)
}
