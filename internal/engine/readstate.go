package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cafrisales/notification-gateway/internal/events"
	"github.com/cafrisales/notification-gateway/internal/model"
)

var ErrUnknownNotification = errors.New("notification not in cache")

// MarkAsRead flips the record optimistically before the backend confirm
// call resolves. A failed confirmation is logged and reported in the result
// but deliberately NOT rolled back: the notification stream is a flow of
// independent events, and the next refresh reconciles any false-positive
// read flag from the server's view. (Preference toggles roll back; see
// prefs.go for why the two policies differ.)
func (c *Center) MarkAsRead(ctx context.Context, id string) model.MutationResult {
	now := time.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return model.Fail(ErrUnknownNotification)
	}
	found := false
	for i := range c.list {
		if c.list[i].ID == id {
			c.list[i].Read = true
			c.list[i].ReadAt = &now
			found = true
			break
		}
	}
	if !found {
		c.mu.Unlock()
		return model.Fail(ErrUnknownNotification)
	}
	c.persistLocked(ctx)
	c.mu.Unlock()

	if err := c.backend.MarkRead(ctx, id); err != nil {
		c.log.Warnw("mark-read confirm failed", "id", id, "err", err)
		return model.Fail(err)
	}
	if err := c.producer.Publish(ctx, events.Event{
		Kind: "read", SessionKey: c.sessionKey, NotificationID: id, Count: 1,
	}); err != nil {
		c.log.Debugw("event publish failed", "err", err)
	}
	return model.Ok()
}

// MarkAllAsRead applies the same optimistic-then-confirm pattern to every
// unread entry as one batch; failure handling is identical to MarkAsRead.
func (c *Center) MarkAllAsRead(ctx context.Context) model.MutationResult {
	now := time.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return model.Ok()
	}
	flipped := 0
	for i := range c.list {
		if !c.list[i].Read {
			c.list[i].Read = true
			c.list[i].ReadAt = &now
			flipped++
		}
	}
	if flipped > 0 {
		c.persistLocked(ctx)
	}
	c.mu.Unlock()
	if flipped == 0 {
		return model.Ok()
	}

	if err := c.backend.MarkAllRead(ctx); err != nil {
		c.log.Warnw("mark-all-read confirm failed", "err", err)
		return model.Fail(err)
	}
	if err := c.producer.Publish(ctx, events.Event{
		Kind: "read", SessionKey: c.sessionKey, Count: flipped,
	}); err != nil {
		c.log.Debugw("event publish failed", "err", err)
	}
	return model.Ok()
}
