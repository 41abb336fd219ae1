// Package snapshot caches the last known organization per user so the UI
// can show something instantly while the authoritative membership lookup
// runs in the background. The cached value is always superseded by the
// authoritative result, and a user's entry is dropped on sign-out so no
// organization leaks across sessions.
package snapshot

import (
	"context"
	"time"

	"github.com/yourorg/stockroom/internal/domain"
	"github.com/yourorg/stockroom/pkg/cache"
)

// Store is a best-effort cache: failures are swallowed by implementations
// because a cache miss simply means waiting for the authoritative lookup.
type Store interface {
	Get(ctx context.Context, userID string) (*domain.Organization, bool)
	Set(ctx context.Context, userID string, org domain.Organization)
	Delete(ctx context.Context, userID string)
}

const keyPrefix = "org:"

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	cache *cache.Cache[domain.Organization]
	ttl   time.Duration
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{cache: cache.New[domain.Organization](), ttl: ttl}
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (*domain.Organization, bool) {
	org, ok := s.cache.Get(keyPrefix + userID)
	if !ok {
		return nil, false
	}
	return &org, true
}

func (s *MemoryStore) Set(ctx context.Context, userID string, org domain.Organization) {
	s.cache.Set(keyPrefix+userID, org, s.ttl)
}

func (s *MemoryStore) Delete(ctx context.Context, userID string) {
	s.cache.Delete(keyPrefix + userID)
}
