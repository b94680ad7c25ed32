package cache

import (
	"context"

	"github.com/cafrisales/notification-gateway/internal/model"
)

// Store persists the merged notification list under a session-scoped key.
// The list is replaced wholesale on every mutation and removed entirely on
// identity teardown; entries are never updated in place.
type Store interface {
	Save(ctx context.Context, sessionKey string, list []model.Notification) error
	Load(ctx context.Context, sessionKey string) ([]model.Notification, error)
	Clear(ctx context.Context, sessionKey string) error
}
