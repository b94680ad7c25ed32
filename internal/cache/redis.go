package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cafrisales/notification-gateway/internal/model"
)

// RedisStore keeps one JSON blob per session so the inbox survives gateway
// restarts. Keys: <prefix>:inbox:<sessionKey>.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "notify"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(sessionKey string) string {
	return fmt.Sprintf("%s:inbox:%s", s.prefix, sessionKey)
}

func (s *RedisStore) Save(ctx context.Context, sessionKey string, list []model.Notification) error {
	b, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(sessionKey), b, s.ttl).Err()
}

func (s *RedisStore) Load(ctx context.Context, sessionKey string) ([]model.Notification, error) {
	b, err := s.client.Get(ctx, s.key(sessionKey)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var list []model.Notification
	if err := json.Unmarshal(b, &list); err != nil {
		// corrupt blob: start clean rather than poisoning every merge
		return nil, nil
	}
	return list, nil
}

func (s *RedisStore) Clear(ctx context.Context, sessionKey string) error {
	return s.client.Del(ctx, s.key(sessionKey)).Err()
}
