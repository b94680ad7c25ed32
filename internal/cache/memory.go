package cache

import (
	"context"
	"sync"

	"github.com/cafrisales/notification-gateway/internal/model"
)

// MemoryStore is the redis-less fallback, also used in tests.
type MemoryStore struct {
	mu    sync.Mutex
	lists map[string][]model.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lists: make(map[string][]model.Notification)}
}

func (s *MemoryStore) Save(_ context.Context, sessionKey string, list []model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]model.Notification, len(list))
	copy(cp, list)
	s.lists[sessionKey] = cp
	return nil
}

func (s *MemoryStore) Load(_ context.Context, sessionKey string) ([]model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.lists[sessionKey]
	if !ok {
		return nil, nil
	}
	cp := make([]model.Notification, len(list))
	copy(cp, list)
	return cp, nil
}

func (s *MemoryStore) Clear(_ context.Context, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lists, sessionKey)
	return nil
}
