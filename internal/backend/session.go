package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/yourorg/stockroom/internal/domain"
)

// sessionEnvelope is the wire shape of a session returned by the auth
// endpoints.
type sessionEnvelope struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    int64       `json:"expires_in"`
	User         domain.User `json:"user"`
}

type accessClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// toSession converts an envelope into the client's cached session. The
// access token is a JWT the backend has already signed; the client does not
// hold the signing secret, so claims are decoded without verification and
// used only to fill in the user identity and validity window.
func (env sessionEnvelope) toSession(now time.Time) *domain.Session {
	sess := &domain.Session{
		AccessToken:  env.AccessToken,
		RefreshToken: env.RefreshToken,
		TokenType:    env.TokenType,
		User:         env.User,
		IssuedAt:     now,
	}
	if env.ExpiresIn > 0 {
		sess.ExpiresAt = now.Add(time.Duration(env.ExpiresIn) * time.Second)
	}

	claims := &accessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(env.AccessToken, claims); err == nil {
		if sess.User.ID == "" {
			sess.User.ID = claims.Subject
		}
		if sess.User.Email == "" {
			sess.User.Email = claims.Email
		}
		if claims.IssuedAt != nil {
			sess.IssuedAt = claims.IssuedAt.Time
		}
		if sess.ExpiresAt.IsZero() && claims.ExpiresAt != nil {
			sess.ExpiresAt = claims.ExpiresAt.Time
		}
	}
	return sess
}

// SessionStore persists the current session across process restarts so a
// signed-in user stays signed in between CLI invocations.
type SessionStore interface {
	Load() (*domain.Session, error)
	Save(sess *domain.Session) error
	Clear() error
}

// FileSessionStore keeps the session as JSON in a single file with
// user-only permissions.
type FileSessionStore struct {
	path string
}

func NewFileSessionStore(path string) *FileSessionStore {
	return &FileSessionStore{path: path}
}

func (s *FileSessionStore) Load() (*domain.Session, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	sess := &domain.Session{}
	if err := json.Unmarshal(data, sess); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	return sess, nil
}

func (s *FileSessionStore) Save(sess *domain.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

func (s *FileSessionStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// MemorySessionStore holds the session in memory only.
type MemorySessionStore struct {
	mu   sync.Mutex
	sess *domain.Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{}
}

func (s *MemorySessionStore) Load() (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess, nil
}

func (s *MemorySessionStore) Save(sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = sess
	return nil
}

func (s *MemorySessionStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = nil
	return nil
}
