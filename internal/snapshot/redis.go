package snapshot

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/yourorg/stockroom/internal/domain"
	"github.com/yourorg/stockroom/internal/infrastructure/redis"
)

// RedisStore persists organization snapshots in Redis so they survive
// process restarts, the way the original browser client kept them in
// local storage. Entries are still removed on sign-out.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisStore(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

func (s *RedisStore) Get(ctx context.Context, userID string) (*domain.Organization, bool) {
	raw, err := s.client.Get(ctx, keyPrefix+userID)
	if err != nil {
		if !redis.IsMissing(err) {
			s.logger.Warn("snapshot cache read failed", slog.String("error", err.Error()))
		}
		return nil, false
	}

	org := &domain.Organization{}
	if err := json.Unmarshal([]byte(raw), org); err != nil {
		s.logger.Warn("snapshot cache entry corrupt, dropping",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		s.Delete(ctx, userID)
		return nil, false
	}
	return org, true
}

func (s *RedisStore) Set(ctx context.Context, userID string, org domain.Organization) {
	data, err := json.Marshal(org)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, keyPrefix+userID, string(data), s.ttl); err != nil {
		s.logger.Warn("snapshot cache write failed", slog.String("error", err.Error()))
	}
}

func (s *RedisStore) Delete(ctx context.Context, userID string) {
	if err := s.client.Delete(ctx, keyPrefix+userID); err != nil {
		s.logger.Warn("snapshot cache delete failed", slog.String("error", err.Error()))
	}
}
